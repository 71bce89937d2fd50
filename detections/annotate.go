package detections

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"

	"github.com/Tutortoise/detection-service/models"
	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	Green = color.NRGBA{R: 0, G: 255, B: 0, A: 255}
	Black = color.NRGBA{R: 0, G: 0, B: 0, A: 255}
)

// Annotator renders detection boxes and labels onto a copy of an image.
// Labels sit above the top-left corner of their box and are not clamped to
// the canvas, so boxes touching the top edge lose part of their label.
type Annotator struct {
	Face      font.Face
	BoxColor  color.Color
	TextColor color.Color
	Thickness int
	Quality   int
}

func NewAnnotator() *Annotator {
	return &Annotator{
		Face:      basicfont.Face7x13,
		BoxColor:  Green,
		TextColor: Black,
		Thickness: 2,
		Quality:   JPEGQuality,
	}
}

// Label formats the caption drawn for a detection, e.g. "apple 93.5%".
func Label(d models.DetectionResult) string {
	return fmt.Sprintf("%s %.1f%%", d.ClassName, d.Confidence*100)
}

// Annotate draws dets onto a copy of src and returns it as a JPEG data URI.
func (a *Annotator) Annotate(src *image.NRGBA, dets []models.DetectionResult) (string, error) {
	return a.Encode(a.Draw(src, dets))
}

// Draw returns a new image; src is never modified.
func (a *Annotator) Draw(src *image.NRGBA, dets []models.DetectionResult) *image.NRGBA {
	dst := imaging.Clone(src)

	boxSrc := image.NewUniform(a.BoxColor)
	textSrc := image.NewUniform(a.TextColor)
	ascent := a.Face.Metrics().Ascent.Ceil()

	for _, d := range dets {
		x1, y1 := int(d.BBox[0]), int(d.BBox[1])
		x2, y2 := int(d.BBox[0]+d.BBox[2]), int(d.BBox[1]+d.BBox[3])

		strokeRect(dst, image.Rect(x1, y1, x2+1, y2+1), a.Thickness, boxSrc)

		label := Label(d)
		textWidth := font.MeasureString(a.Face, label).Ceil()

		bg := image.Rect(x1, y1-ascent-10, x1+textWidth+4, y1)
		draw.Draw(dst, bg, boxSrc, image.Point{}, draw.Src)

		drawer := &font.Drawer{
			Dst:  dst,
			Src:  textSrc,
			Face: a.Face,
			Dot:  fixed.P(x1+2, y1-5),
		}
		drawer.DrawString(label)
	}

	return dst
}

// Encode compresses img as JPEG and wraps it in a data URI.
func (a *Annotator) Encode(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(a.Quality)); err != nil {
		return "", fmt.Errorf("encode annotated image: %w", err)
	}
	return AnnotatedPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// strokeRect draws the outline of r with the given thickness, inside r.
// draw.Draw clips to the destination, so off-canvas parts are dropped.
func strokeRect(dst draw.Image, r image.Rectangle, thickness int, src image.Image) {
	if thickness < 1 {
		thickness = 1
	}
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y),
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e, src, image.Point{}, draw.Src)
	}
}
