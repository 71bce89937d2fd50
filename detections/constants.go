package detections

const (
	InputWidth    = 640
	InputHeight   = 640
	ConfThreshold = 0.25
	IouThreshold  = 0.45
	MaxDetections = 300

	// DefaultMaxImagePixels caps decoded images at roughly 5000x5000.
	DefaultMaxImagePixels = 25_000_000

	JPEGQuality     = 90
	AnnotatedPrefix = "data:image/jpeg;base64,"
	UnknownClass    = "unknown"
)
