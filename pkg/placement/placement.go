package placement

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// LabelOffset is the distance between the bottom of a stamped image and the
// baseline of its "Signed:" annotation.
const LabelOffset = 12.0

// percentageCeiling is the largest stored value still read as a percentage.
const percentageCeiling = 100.0

var (
	ErrInvalidImage = errors.New("signature image has no usable dimensions")
	ErrInvalidPage  = errors.New("page has no usable dimensions")
	ErrEmptyBox     = errors.New("signature box resolves to an empty area")
)

// Scale tells how a stored spot value relates to the page.
type Scale int

const (
	Percentage Scale = iota
	Absolute
)

func (s Scale) String() string {
	if s == Absolute {
		return "absolute"
	}
	return "percentage"
}

// Measure is a single stored spot value tagged with its scale.
type Measure struct {
	Scale Scale
	Value float64
}

// Detect tags a raw stored value. Values up to 100 are page percentages,
// anything larger is a legacy page-unit value.
func Detect(v float64) Measure {
	if v <= percentageCeiling {
		return Measure{Scale: Percentage, Value: v}
	}
	return Measure{Scale: Absolute, Value: v}
}

// Resolve converts the measure to page units along an axis of the given extent.
func (m Measure) Resolve(extent float64) float64 {
	if m.Scale == Percentage {
		return m.Value / 100 * extent
	}
	return m.Value
}

// Spot is a normalized signature spot.
type Spot struct {
	Page   int
	X      Measure
	Y      Measure
	Width  Measure
	Height Measure
}

// NewSpot normalizes raw persisted values, detecting the scale per field.
func NewSpot(page int, x, y, width, height float64) Spot {
	return Spot{
		Page:   page,
		X:      Detect(x),
		Y:      Detect(y),
		Width:  Detect(width),
		Height: Detect(height),
	}
}

// Page holds physical page dimensions in document units.
type Page struct {
	Width  float64
	Height float64
}

// Rect is an axis-aligned rectangle in document space (origin bottom-left).
type Rect struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Bound returns the rectangle as an orb bound.
func (r Rect) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{r.X, r.Y},
		Max: orb.Point{r.X + r.Width, r.Y + r.Height},
	}
}

// AspectRatio returns width over height.
func (r Rect) AspectRatio() float64 {
	if r.Height == 0 {
		return 0
	}
	return r.Width / r.Height
}

// Overlaps reports whether two rectangles share any interior area.
func (r Rect) Overlaps(other Rect) bool {
	a, b := r.Bound(), other.Bound()
	if !a.Intersects(b) {
		return false
	}
	// touching edges intersect in orb but do not overlap
	return a.Max[0] > b.Min[0] && b.Max[0] > a.Min[0] && a.Max[1] > b.Min[1] && b.Max[1] > a.Min[1]
}

// Placement is the computed drawing geometry for one spot.
type Placement struct {
	Image Rect
	// Box is the bounding box the image was fitted into.
	Box   Rect
	Label orb.Point
	// WidthBound is true when the box width limited the image size.
	WidthBound bool
}

// Compute maps a spot onto a page and fits an image of imageWidth x imageHeight
// into its box without distortion.
func Compute(spot Spot, page Page, imageWidth, imageHeight float64) (Placement, error) {
	if imageWidth <= 0 || imageHeight <= 0 {
		return Placement{}, ErrInvalidImage
	}
	if page.Width <= 0 || page.Height <= 0 {
		return Placement{}, ErrInvalidPage
	}

	boxWidth := spot.Width.Resolve(page.Width)
	boxHeight := spot.Height.Resolve(page.Height)
	if boxWidth <= 0 || boxHeight <= 0 || math.IsNaN(boxWidth) || math.IsNaN(boxHeight) {
		return Placement{}, fmt.Errorf("%w: %.2fx%.2f", ErrEmptyBox, boxWidth, boxHeight)
	}

	drawWidth, drawHeight, widthBound := Fit(boxWidth, boxHeight, imageWidth/imageHeight)

	var x, boxX float64
	if spot.X.Scale == Percentage {
		cx := spot.X.Resolve(page.Width)
		x = cx - drawWidth/2
		boxX = cx - boxWidth/2
	} else {
		// legacy records store the left edge
		x = spot.X.Value
		boxX = spot.X.Value
	}

	var y, boxY float64
	if spot.Y.Scale == Percentage {
		cy := spot.Y.Resolve(page.Height)
		y = page.Height - cy - drawHeight/2
		boxY = page.Height - cy - boxHeight/2
	} else {
		// legacy records store the top edge, measured from the page top
		y = page.Height - spot.Y.Value - drawHeight
		boxY = page.Height - spot.Y.Value - boxHeight
	}

	return Placement{
		Image:      Rect{X: x, Y: y, Width: drawWidth, Height: drawHeight},
		Box:        Rect{X: boxX, Y: boxY, Width: boxWidth, Height: boxHeight},
		Label:      orb.Point{x, y - LabelOffset},
		WidthBound: widthBound,
	}, nil
}

// Fit scales an image of the given aspect ratio into a box. Width is tried
// first; when the resulting height overflows, height becomes the constraint.
func Fit(boxWidth, boxHeight, aspectRatio float64) (width, height float64, widthBound bool) {
	width = boxWidth
	height = boxWidth / aspectRatio
	if height > boxHeight {
		height = boxHeight
		width = boxHeight * aspectRatio
		return width, height, false
	}
	return width, height, true
}
