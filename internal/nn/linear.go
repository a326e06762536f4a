package nn

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/x448/float16"
	"gonum.org/v1/gonum/mat"
)

// Linear is a dense layer y = x W^T + b with examples as rows of x.
type Linear struct {
	W *mat.Dense // out x in
	B []float64  // nil when the layer has no bias
}

// NewLinear draws weights and bias uniformly from [-1/sqrt(in), 1/sqrt(in)].
func NewLinear(in, out int, bias bool, rng *rand.Rand) *Linear {
	bound := 1 / math.Sqrt(float64(in))
	w := make([]float64, out*in)
	for i := range w {
		w[i] = uniform(rng, bound)
	}
	l := &Linear{W: mat.NewDense(out, in, w)}
	if bias {
		l.B = make([]float64, out)
		for i := range l.B {
			l.B[i] = uniform(rng, bound)
		}
	}
	return l
}

func uniform(rng *rand.Rand, bound float64) float64 {
	return (2*rng.Float64() - 1) * bound
}

func (l *Linear) In() int {
	_, c := l.W.Dims()
	return c
}

func (l *Linear) Out() int {
	r, _ := l.W.Dims()
	return r
}

// Forward applies the layer to every row of x.
func (l *Linear) Forward(x mat.Matrix) *mat.Dense {
	r, c := x.Dims()
	if c != l.In() {
		panic(fmt.Sprintf("nn: linear input has %d columns, want %d", c, l.In()))
	}
	out := mat.NewDense(r, l.Out(), nil)
	out.Mul(x, l.W.T())
	if l.B != nil {
		for i := 0; i < r; i++ {
			row := out.RawRowView(i)
			for j, b := range l.B {
				row[j] += b
			}
		}
	}
	return out
}

// RoundHalf rounds the layer's parameters through IEEE half precision.
func (l *Linear) RoundHalf() {
	RoundHalf(l.W)
	roundSlice(l.B)
}

// Tanh applies tanh to m in place.
func Tanh(m *mat.Dense) {
	m.Apply(func(_, _ int, v float64) float64 { return math.Tanh(v) }, m)
}

// RoundHalf rounds every element of m through IEEE half precision in place.
func RoundHalf(m *mat.Dense) {
	m.Apply(func(_, _ int, v float64) float64 { return Half(v) }, m)
}

// Half returns v rounded to the nearest float16 value.
func Half(v float64) float64 {
	return float64(float16.Fromfloat32(float32(v)).Float32())
}

func roundSlice(s []float64) {
	for i, v := range s {
		s[i] = Half(v)
	}
}
