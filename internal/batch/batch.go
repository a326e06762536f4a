package batch

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrEmptyBatch    = errors.New("batch: no sequences")
	ErrEmptySequence = errors.New("batch: empty sequence")
	ErrRowDim        = errors.New("batch: row has wrong dimension")
	ErrInvalidDim    = errors.New("batch: dimension must be positive")
)

// Pad stacks variable-length sequences of dim-wide rows into equally sized
// maxLen x dim matrices, filling the tail with zero rows. It returns the
// padded batch and the original lengths.
func Pad(seqs [][][]float64, dim int) ([]*mat.Dense, []int, error) {
	if len(seqs) == 0 {
		return nil, nil, ErrEmptyBatch
	}
	if dim <= 0 {
		return nil, nil, fmt.Errorf("%w: %d", ErrInvalidDim, dim)
	}
	lengths := Lengths(seqs)
	maxLen := MaxLen(lengths)

	out := make([]*mat.Dense, len(seqs))
	for b, seq := range seqs {
		if len(seq) == 0 {
			return nil, nil, fmt.Errorf("%w: sequence %d", ErrEmptySequence, b)
		}
		m := mat.NewDense(maxLen, dim, nil)
		for j, row := range seq {
			if len(row) != dim {
				return nil, nil, fmt.Errorf("%w: sequence %d row %d has %d, want %d", ErrRowDim, b, j, len(row), dim)
			}
			m.SetRow(j, row)
		}
		out[b] = m
	}
	return out, lengths, nil
}

func Lengths(seqs [][][]float64) []int {
	lengths := make([]int, len(seqs))
	for b, s := range seqs {
		lengths[b] = len(s)
	}
	return lengths
}

func MaxLen(lengths []int) int {
	m := 0
	for _, n := range lengths {
		if n > m {
			m = n
		}
	}
	return m
}

// Random returns standard-normal contexts of MaxLen(lengths) rows each.
// Padding rows are random too, so only the mask keeps them out of the
// alignment.
func Random(rng *rand.Rand, lengths []int, dim int) ([]*mat.Dense, error) {
	if len(lengths) == 0 {
		return nil, ErrEmptyBatch
	}
	if dim <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDim, dim)
	}
	maxLen := MaxLen(lengths)
	if maxLen == 0 {
		return nil, fmt.Errorf("%w: every length is zero", ErrEmptySequence)
	}
	out := make([]*mat.Dense, len(lengths))
	for b := range lengths {
		out[b] = randn(rng, maxLen, dim)
	}
	return out, nil
}

// MustRandom is like Random but panics on invalid shapes.
func MustRandom(rng *rand.Rand, lengths []int, dim int) []*mat.Dense {
	out, err := Random(rng, lengths, dim)
	if err != nil {
		panic(err)
	}
	return out
}

// RandomQuery returns a standard-normal batch x dim query matrix.
func RandomQuery(rng *rand.Rand, batch, dim int) *mat.Dense {
	return randn(rng, batch, dim)
}

// RandomSequence returns batch standard-normal tgtLen x dim matrices.
func RandomSequence(rng *rand.Rand, batch, tgtLen, dim int) []*mat.Dense {
	out := make([]*mat.Dense, batch)
	for b := range out {
		out[b] = randn(rng, tgtLen, dim)
	}
	return out
}

func randn(rng *rand.Rand, r, c int) *mat.Dense {
	data := make([]float64, r*c)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return mat.NewDense(r, c, data)
}
