package geometry

import "fmt"

// Size is a canvas size in pixels.
type Size struct {
	W float64
	H float64
}

// Rect is an axis-aligned rectangle. For reference placements the values are
// expressed in reference-canvas pixels; resolved rectangles are in
// target-canvas pixels.
type Rect struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	W float64 `json:"w" yaml:"w"`
	H float64 `json:"h" yaml:"h"`
}

// Delta is a single correction round coming back from a review.
type Delta struct {
	DX       float64
	DY       float64
	ScaleMul float64
}

// Tweak is the correction state accumulated across attempts. Offsets are in
// reference-canvas pixels, Scale is a multiplier applied to the reference
// placement size.
type Tweak struct {
	DX    float64
	DY    float64
	Scale float64
}

// Limits bounds both a single correction round and the accumulated tweak.
type Limits struct {
	MaxDelta   float64 // per-round cap on |dx| and |dy|
	MinMul     float64 // per-round scale multiplier floor
	MaxMul     float64 // per-round scale multiplier ceiling
	OuterDelta float64 // cap on accumulated |dx| and |dy|
	MinScale   float64 // floor on accumulated scale
	MaxScale   float64 // ceiling on accumulated scale
	MinEdge    float64 // resolved width/height never go below this
}

func DefaultLimits() Limits {
	return Limits{
		MaxDelta:   120,
		MinMul:     0.6,
		MaxMul:     1.6,
		OuterDelta: 320,
		MinScale:   0.35,
		MaxScale:   2.5,
		MinEdge:    48,
	}
}

// NewTweak returns the identity tweak.
func NewTweak() Tweak {
	return Tweak{Scale: 1}
}

// Apply folds one correction round into the accumulated tweak. The round is
// clamped first, then the accumulated values are clamped to the outer bounds
// so a long rejection streak cannot drift the placement arbitrarily far.
// A zero ScaleMul means the round carried no scale correction.
func (t Tweak) Apply(d Delta, l Limits) Tweak {
	t.DX = clamp(t.DX+clamp(d.DX, -l.MaxDelta, l.MaxDelta), -l.OuterDelta, l.OuterDelta)
	t.DY = clamp(t.DY+clamp(d.DY, -l.MaxDelta, l.MaxDelta), -l.OuterDelta, l.OuterDelta)

	mul := d.ScaleMul
	if mul <= 0 {
		mul = 1
	}
	t.Scale = clamp(t.Scale*clamp(mul, l.MinMul, l.MaxMul), l.MinScale, l.MaxScale)
	return t
}

// Resolve maps a reference placement onto a target canvas, applying the
// accumulated tweak. The returned rectangle is always fully contained in the
// target canvas and its edges never fall below Limits.MinEdge (unless the
// canvas itself is smaller).
func Resolve(ref Rect, refCanvas Size, target Size, tw Tweak, l Limits) Rect {
	sf := scaleFactor(refCanvas, target)

	w := ref.W * tw.Scale * sf
	if w < l.MinEdge {
		w = l.MinEdge
	}
	if w > target.W {
		w = target.W
	}

	h := ref.H * tw.Scale * sf
	if h < l.MinEdge {
		h = l.MinEdge
	}
	if h > target.H {
		h = target.H
	}

	x := clamp((ref.X+tw.DX)*sf, 0, target.W-w)
	y := clamp((ref.Y+tw.DY)*sf, 0, target.H-h)

	return Rect{X: x, Y: y, W: w, H: h}
}

// scaleFactor preserves the aspect fidelity of the reference placement: one
// uniform factor per axis pair, never independent stretching.
func scaleFactor(refCanvas, target Size) float64 {
	if refCanvas.W <= 0 || refCanvas.H <= 0 {
		return 1
	}
	fx := target.W / refCanvas.W
	fy := target.H / refCanvas.H
	if fx < fy {
		return fx
	}
	return fy
}

func (r Rect) String() string {
	return fmt.Sprintf("%.0fx%.0f@%.0f,%.0f", r.W, r.H, r.X, r.Y)
}

func clamp(v, lo, hi float64) float64 {
	if hi < lo {
		return hi
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
