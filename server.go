package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Tutortoise/detection-service/detections"
	"github.com/Tutortoise/detection-service/models"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

const (
	RequestIDHeader = "X-Request-ID"
	MaxMemory       = 10 << 20
)

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ErrorReporter ships server-side failures to an external tracker.
type ErrorReporter func(err error, tags map[string]string)

type Server struct {
	pipeline     *detections.Pipeline
	loader       *detections.Loader
	maxBodyBytes int64
	debug        bool
	report       ErrorReporter
	started      time.Time

	requests atomic.Int64
	failures atomic.Int64
}

type ServerConfig struct {
	Pipeline     *detections.Pipeline
	MaxBodyBytes int64
	Debug        bool
	Reporter     ErrorReporter
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Reporter == nil {
		cfg.Reporter = func(error, map[string]string) {}
	}
	return &Server{
		pipeline:     cfg.Pipeline,
		loader:       cfg.Pipeline.Loader(),
		maxBodyBytes: cfg.MaxBodyBytes,
		debug:        cfg.Debug,
		report:       cfg.Reporter,
		started:      time.Now(),
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleRoot).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/inference", s.handleDetect("/inference", false)).Methods("POST")
	r.HandleFunc("/inference", s.handleCapability).Methods("GET")
	r.HandleFunc("/photo-detect", s.handleDetect("/photo-detect", true)).Methods("POST")
	r.HandleFunc("/photo-detect", s.handleCapability).Methods("GET")
	s.addMonitoringRoutes(r)
	return r
}

// Handler is the router wrapped in request ID, recovery and CORS handling.
func (s *Server) Handler() http.Handler {
	return s.withRequestID(s.withRecovery(withCORS(s.Router())))
}

type ctxKey int

const requestIDKey ctxKey = iota

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				err := fmt.Errorf("panic: %v", rec)
				log.WithFields(log.Fields{
					"request_id": requestIDFrom(r.Context()),
					"path":       r.URL.Path,
					"stack":      string(debug.Stack()),
				}).Error(err)
				s.report(err, map[string]string{
					"request_id": requestIDFrom(r.Context()),
					"endpoint":   r.URL.Path,
					"kind":       "panic",
				})
				sendErrorResponse(w, "internal_error", MsgInternal, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, "+RequestIDHeader)
		h.Set("Access-Control-Expose-Headers", RequestIDHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": MsgRunning,
		"status":  "running",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCapability reports the negotiated backend. Like the detection
// routes it triggers the lazy model load.
func (s *Server) handleCapability(w http.ResponseWriter, r *http.Request) {
	_, err := s.loader.Initialize()

	resp := models.CapabilityResponse{
		Status: "ready",
		Model:  s.loader.ModelName(),
		GPU:    s.loader.Capability(),
	}
	status := http.StatusOK
	if err != nil {
		resp.Status = "degraded"
		resp.Error = err.Error()
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}

func (s *Server) handleDetect(endpoint string, annotate bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := requestIDFrom(r.Context())
		s.requests.Add(1)

		r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

		in, err := s.readInput(r)
		if err != nil {
			s.failures.Add(1)
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				sendErrorResponse(w, "payload_too_large",
					fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
				return
			}
			sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
			return
		}

		in.RequestID = requestID
		in.Start = start
		in.Annotate = annotate

		out, err := s.pipeline.Run(r.Context(), in)
		if err != nil {
			s.failures.Add(1)
			s.fail(w, r, endpoint, err)
			return
		}

		s.logTimings(&out.Timings)

		if annotate {
			writeJSON(w, http.StatusOK, out.PhotoDetectResponse())
			return
		}
		writeJSON(w, http.StatusOK, out.InferenceResponse())
	}
}

// readInput accepts a JSON request, a multipart upload with a "file" part,
// or raw image bytes with width/height in the query string.
func (s *Server) readInput(r *http.Request) (detections.Input, error) {
	mediaType := ""
	if ct := r.Header.Get("Content-Type"); ct != "" {
		parsed, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return detections.Input{}, fmt.Errorf("invalid content type: %w", err)
		}
		mediaType = parsed
	}

	switch mediaType {
	case "", "application/json":
		return handleJSONRequest(r)
	case "multipart/form-data":
		return handleMultipartRequest(r)
	default:
		return handleRawRequest(r)
	}
}

func handleJSONRequest(r *http.Request) (detections.Input, error) {
	var req models.InferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return detections.Input{}, fmt.Errorf("invalid JSON body: %w", err)
	}
	return detections.Input{
		Payload: req.Image,
		Width:   req.Width,
		Height:  req.Height,
	}, nil
}

func handleMultipartRequest(r *http.Request) (detections.Input, error) {
	if err := r.ParseMultipartForm(MaxMemory); err != nil {
		return detections.Input{}, err
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return detections.Input{}, fmt.Errorf("missing file part: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return detections.Input{}, err
	}

	width, height, err := declaredSize(r.FormValue("width"), r.FormValue("height"))
	if err != nil {
		return detections.Input{}, err
	}

	return detections.Input{Data: data, Width: width, Height: height}, nil
}

func handleRawRequest(r *http.Request) (detections.Input, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return detections.Input{}, err
	}

	q := r.URL.Query()
	width, height, err := declaredSize(q.Get("width"), q.Get("height"))
	if err != nil {
		return detections.Input{}, err
	}

	return detections.Input{Data: data, Width: width, Height: height}, nil
}

// declaredSize parses caller-declared dimensions. Missing values are zero;
// they are echoed, never checked against the image.
func declaredSize(w, h string) (int, int, error) {
	var width, height int
	var err error
	if w != "" {
		if width, err = strconv.Atoi(w); err != nil {
			return 0, 0, fmt.Errorf("invalid width %q", w)
		}
	}
	if h != "" {
		if height, err = strconv.Atoi(h); err != nil {
			return 0, 0, fmt.Errorf("invalid height %q", h)
		}
	}
	return width, height, nil
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	kind := detections.KindOf(err)
	requestID := requestIDFrom(r.Context())

	var status int
	var prefix string
	switch kind {
	case detections.KindBadInput:
		status, prefix = http.StatusBadRequest, MsgBadInput
	case detections.KindModelUnavailable:
		status, prefix = http.StatusInternalServerError, MsgModelUnavailable
	default:
		status, prefix = http.StatusInternalServerError, MsgInferenceFailed
		if endpoint == "/photo-detect" {
			prefix = MsgPhotoDetectFailed
		}
	}

	entry := log.WithFields(log.Fields{
		"request_id": requestID,
		"endpoint":   endpoint,
		"kind":       kind.String(),
	}).WithError(err)

	if status >= http.StatusInternalServerError {
		entry.Error("Detection request failed")
		s.report(err, map[string]string{
			"request_id": requestID,
			"endpoint":   endpoint,
			"kind":       kind.String(),
		})
	} else {
		entry.Info("Rejected detection request")
	}

	sendErrorResponse(w, kind.String(), prefix+": "+err.Error(), status)
}

func (s *Server) logTimings(t *models.ProcessingTimings) {
	if !s.debug {
		return
	}
	log.WithFields(log.Fields{
		"request_id":   t.RequestID,
		"image_decode": t.ImageDecode,
		"model":        t.Model,
		"inference":    t.Inference,
		"normalize":    t.Normalize,
		"annotate":     t.Annotate,
		"total":        t.Total,
	}).Debug("Processing times")
}

func (s *Server) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
}

type statsProvider interface {
	Stats() detections.PoolStats
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	state := s.loader.State()

	response := map[string]interface{}{
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"model":          s.loader.ModelName(),
		"state":          state.String(),
		"requests":       s.requests.Load(),
		"failures":       s.failures.Load(),
	}

	// metrics never start the probe themselves
	if state != detections.StateCold {
		capResult := s.loader.CapabilityResult()
		response["capability"] = capResult.Info
		response["capability_outcome"] = capResult.Outcome.String()
		response["cpu_features"] = capResult.CPUFeatures
	}

	if handle, ok := s.loader.Handle(); ok {
		response["provider"] = handle.Provider
		response["classes"] = len(handle.Classes)
		if sp, ok := handle.Detector.(statsProvider); ok {
			response["pool"] = sp.Stats()
		}
	}

	writeJSON(w, http.StatusOK, response)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to write response")
	}
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}
