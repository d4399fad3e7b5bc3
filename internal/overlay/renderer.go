// Package overlay draws detection boxes and label tags on a transparent
// layer matching the camera's native resolution.
package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"sync"
	"unicode"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/epiguard/epi-monitor/pkg/types"
)

// Drawing constants.
const (
	LineWidth    = 3
	TagHeight    = 20
	TagPadding   = 5
	TextBaseline = 5
)

var (
	// RequiredColor marks detections whose label is required.
	RequiredColor = color.RGBA{R: 0x28, G: 0xa7, B: 0x45, A: 0xff}
	// OtherColor marks every other detection.
	OtherColor = color.RGBA{R: 0x66, G: 0x7e, B: 0xea, A: 0xff}
	textColor  = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
)

// Renderer owns the overlay layer. It is safe for concurrent use.
type Renderer struct {
	labelFor   func(types.Detection) string
	isRequired func(string) bool
	face       font.Face

	mu    sync.RWMutex
	layer *image.RGBA
	boxes int
}

// NewRenderer returns a Renderer resolving labels with labelFor and colouring
// them with isRequired.
func NewRenderer(labelFor func(types.Detection) string, isRequired func(string) bool) *Renderer {
	return &Renderer{
		labelFor:   labelFor,
		isRequired: isRequired,
		face:       basicfont.Face7x13,
		layer:      image.NewRGBA(image.Rect(0, 0, 0, 0)),
	}
}

// Render clears the layer, resizes it to width x height when needed and draws
// every detection. Zero detections only clear.
func (r *Renderer) Render(dets []types.Detection, width, height int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b := r.layer.Bounds(); b.Dx() != width || b.Dy() != height {
		r.layer = image.NewRGBA(image.Rect(0, 0, max(width, 0), max(height, 0)))
	} else {
		clear(r.layer.Pix)
	}
	r.boxes = 0

	for _, d := range dets {
		r.drawDetection(d)
		r.boxes++
	}
}

// Clear erases the layer without changing its size.
func (r *Renderer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.layer.Pix)
	r.boxes = 0
}

// Size returns the layer dimensions.
func (r *Renderer) Size() (int, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b := r.layer.Bounds()
	return b.Dx(), b.Dy()
}

// Boxes returns the number of detections currently drawn.
func (r *Renderer) Boxes() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.boxes
}

// Layer returns a copy of the current layer.
func (r *Renderer) Layer() *image.RGBA {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := image.NewRGBA(r.layer.Bounds())
	copy(cp.Pix, r.layer.Pix)
	return cp
}

// PNG encodes the transparent layer.
func (r *Renderer) PNG() ([]byte, error) {
	layer := r.Layer()
	if layer.Bounds().Empty() {
		layer = image.NewRGBA(image.Rect(0, 0, 1, 1))
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, layer); err != nil {
		return nil, fmt.Errorf("encode overlay: %w", err)
	}
	return buf.Bytes(), nil
}

// Composite draws the current layer over frame and returns the JPEG.
func (r *Renderer) Composite(frame image.Image, quality int) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.boxes == 0 {
		return Composite(frame, nil, quality)
	}
	return Composite(frame, r.layer, quality)
}

// Composite draws layer over frame and encodes the result as JPEG. The layer
// is scaled when its size differs from the frame's. A nil layer encodes the
// frame alone.
func Composite(frame image.Image, layer *image.RGBA, quality int) ([]byte, error) {
	b := frame.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(dst, dst.Bounds(), frame, b.Min, xdraw.Src)

	if layer != nil {
		if lb := layer.Bounds(); !lb.Empty() {
			if lb.Dx() == b.Dx() && lb.Dy() == b.Dy() {
				xdraw.Draw(dst, dst.Bounds(), layer, lb.Min, xdraw.Over)
			} else {
				xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), layer, lb, xdraw.Over, nil)
			}
		}
	}

	if quality <= 0 || quality > 100 {
		quality = 80
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode composite: %w", err)
	}
	return buf.Bytes(), nil
}

// drawDetection must be called with mu held.
func (r *Renderer) drawDetection(d types.Detection) {
	label := r.labelFor(d)
	c := OtherColor
	if r.isRequired != nil && r.isRequired(label) {
		c = RequiredColor
	}

	left := int(math.Round(d.Left()))
	top := int(math.Round(d.Top()))
	w := int(math.Round(d.Width))
	h := int(math.Round(d.Height))
	r.strokeRect(image.Rect(left, top, left+w, top+h), c)

	text := TagText(label, d.Confidence)
	drawn := asciiFold(text)
	textWidth := font.MeasureString(r.face, drawn).Ceil()
	tagWidth := textWidth + 2*TagPadding

	labelY := max(TagHeight, top-TagPadding)
	tagX := left
	if maxX := r.layer.Bounds().Dx() - tagWidth; tagX > maxX {
		tagX = maxX
	}
	if tagX < 0 {
		tagX = 0
	}
	if labelY > r.layer.Bounds().Dy() {
		labelY = r.layer.Bounds().Dy()
	}

	r.fill(image.Rect(tagX, labelY-TagHeight, tagX+tagWidth, labelY), c)

	drawer := &font.Drawer{
		Dst:  r.layer,
		Src:  image.NewUniform(textColor),
		Face: r.face,
		Dot:  fixed.P(tagX+TagPadding, labelY-TextBaseline),
	}
	drawer.DrawString(drawn)
}

func (r *Renderer) strokeRect(rect image.Rectangle, c color.RGBA) {
	half := LineWidth / 2
	outer := rect.Inset(-half)
	inner := rect.Inset(LineWidth - half)
	if inner.Empty() {
		r.fill(outer, c)
		return
	}
	r.fill(image.Rect(outer.Min.X, outer.Min.Y, outer.Max.X, inner.Min.Y), c)
	r.fill(image.Rect(outer.Min.X, inner.Max.Y, outer.Max.X, outer.Max.Y), c)
	r.fill(image.Rect(outer.Min.X, inner.Min.Y, inner.Min.X, inner.Max.Y), c)
	r.fill(image.Rect(inner.Max.X, inner.Min.Y, outer.Max.X, inner.Max.Y), c)
}

func (r *Renderer) fill(rect image.Rectangle, c color.RGBA) {
	rect = rect.Intersect(r.layer.Bounds())
	if rect.Empty() {
		return
	}
	xdraw.Draw(r.layer, rect, image.NewUniform(c), image.Point{}, xdraw.Src)
}

// TagText formats the label tag: "<label> <confidence%>".
func TagText(label string, confidence float64) string {
	return fmt.Sprintf("%s %.0f%%", label, confidence*100)
}

// asciiFold strips diacritics since the bitmap font only covers ASCII.
func asciiFold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
