// Package lights packs traffic light state into fixed-size shader uniform
// arrays.
package lights

import (
	"cogentcore.org/core/math32"

	"github.com/trafficsim/viewer/pkg/core"
)

// DefaultMax is the uniform array capacity the fragment shader is compiled for.
const DefaultMax = 24

var (
	// ColorGo and ColorStop are the RGBA colors of the two light states.
	ColorGo   = [4]float32{0, 1, 0, 1}
	ColorStop = [4]float32{1, 0, 0, 1}

	// SpotDirection points every light straight down.
	SpotDirection = [3]float32{0, -1, 0}
)

// SpotCutoff is the cosine of the 30° cone half-angle.
var SpotCutoff = math32.Cos(math32.DegToRad(30))

// StateColor returns the RGBA color for a light state.
func StateColor(s core.LightState) [4]float32 {
	if s == core.LightGo {
		return ColorGo
	}
	return ColorStop
}

// Uniforms are the arrays handed to the renderer. Only the first Count slots
// are meaningful; the rest keep whatever an earlier Pack wrote.
type Uniforms struct {
	Count      int
	Positions  []float32 // 3 per light
	Colors     []float32 // 4 per light
	Directions []float32 // 3 per light
	Cutoffs    []float32 // 1 per light
}

// Result reports one Pack call.
type Result struct {
	Count   int
	Dropped int // lights beyond capacity, in store order
}

// Packer owns the uniform arrays and refills them every frame.
type Packer struct {
	max int
	u   Uniforms
}

// New allocates arrays for max lights. A non-positive max uses DefaultMax.
func New(max int) *Packer {
	if max <= 0 {
		max = DefaultMax
	}
	return &Packer{
		max: max,
		u: Uniforms{
			Positions:  make([]float32, 3*max),
			Colors:     make([]float32, 4*max),
			Directions: make([]float32, 3*max),
			Cutoffs:    make([]float32, max),
		},
	}
}

// Max returns the capacity.
func (p *Packer) Max() int {
	return p.max
}

// Uniforms returns the packed arrays. The slices are owned by the packer and
// overwritten by the next Pack.
func (p *Packer) Uniforms() *Uniforms {
	return &p.u
}

// Pack writes the first min(len(lights), Max) traffic lights.
func (p *Packer) Pack(lights []*core.Entity) Result {
	n := min(len(lights), p.max)
	for i := 0; i < n; i++ {
		l := lights[i]
		p.u.Positions[3*i] = l.Position.X
		p.u.Positions[3*i+1] = l.Position.Y
		p.u.Positions[3*i+2] = l.Position.Z

		state := core.LightStop
		if l.Light != nil {
			state = l.Light.State
		}
		c := StateColor(state)
		copy(p.u.Colors[4*i:], c[:])
		copy(p.u.Directions[3*i:], SpotDirection[:])
		p.u.Cutoffs[i] = SpotCutoff
	}
	p.u.Count = n
	return Result{Count: n, Dropped: len(lights) - n}
}
