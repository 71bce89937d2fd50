package detections

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// Decoder turns request images into pixel buffers. Images whose declared
// width times height exceeds MaxPixels are refused before any pixel
// memory is allocated.
type Decoder struct {
	MaxPixels int
}

var defaultDecoder = Decoder{MaxPixels: DefaultMaxImagePixels}

// DecodePayload decodes with the default pixel cap.
func DecodePayload(payload string) (*image.NRGBA, error) {
	return defaultDecoder.DecodePayload(payload)
}

// DecodeBytes decodes with the default pixel cap.
func DecodeBytes(data []byte) (*image.NRGBA, error) {
	return defaultDecoder.DecodeBytes(data)
}

// DecodePayload turns a base64 string, optionally carrying a data-URI
// prefix, into an opaque RGB pixel buffer with its origin at the top-left.
func (d Decoder) DecodePayload(payload string) (*image.NRGBA, error) {
	body := payload
	if i := strings.IndexByte(payload, ','); i >= 0 {
		body = payload[i+1:]
	}

	data, err := decodeBase64(body)
	if err != nil {
		return nil, badInput("failed to decode base64 image", err)
	}

	return d.DecodeBytes(data)
}

// DecodeBytes decodes a compressed image container (JPEG, PNG, GIF, BMP,
// TIFF, WebP).
func (d Decoder) DecodeBytes(data []byte) (img *image.NRGBA, err error) {
	if len(data) == 0 {
		return nil, badInput("empty image payload", nil)
	}

	defer func() {
		if r := recover(); r != nil {
			img = nil
			err = badInput("failed to decode image", fmt.Errorf("decoder panic: %v", r))
		}
	}()

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, badInput("failed to decode image", err)
	}
	if err := d.checkSize(cfg.Width, cfg.Height); err != nil {
		return nil, err
	}

	decoded, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, badInput("failed to decode image", err)
	}

	b := decoded.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, badInput("image has no pixels", nil)
	}

	return canonical(decoded), nil
}

func (d Decoder) checkSize(width, height int) error {
	limit := int64(d.MaxPixels)
	if limit <= 0 {
		limit = DefaultMaxImagePixels
	}
	if pixels := int64(width) * int64(height); pixels > limit {
		return badInput("image too large",
			fmt.Errorf("%dx%d is %d pixels, limit is %d", width, height, pixels, limit))
	}
	return nil
}

// canonical copies src into a zero-origin NRGBA buffer and drops alpha,
// leaving the color samples in R, G, B order.
func canonical(src image.Image) *image.NRGBA {
	dst := imaging.Clone(src)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty base64 body")
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return data, nil
	}

	// browsers and some clients drop the padding
	if raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "=")); rawErr == nil {
		return raw, nil
	}

	return nil, err
}
