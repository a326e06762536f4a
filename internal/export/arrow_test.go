package export

import (
	"math"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-align/internal/attention"
	"github.com/23skdu/longbow-align/internal/batch"
)

func TestRecordRoundTrip(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	align := mat.NewDense(2, 3, []float64{
		0.2, 0.3, 0.5,
		0.6, 0.4, 0,
	})
	meta := NewMeta("dot", 20)

	rec, err := NewRecord(mem, meta, align, []int{3, 2})
	require.NoError(t, err)
	defer rec.Release()

	assert.EqualValues(t, 2, rec.NumRows())

	got, gotMeta, err := FromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, meta, gotMeta)
	assert.Equal(t, []Alignment{
		{Batch: 0, Length: 3, Weights: []float64{0.2, 0.3, 0.5}},
		{Batch: 1, Length: 2, Weights: []float64{0.6, 0.4, 0}},
	}, got)
}

func TestNewMetaRunID(t *testing.T) {
	a := NewMeta("mlp", 8)
	b := NewMeta("mlp", 8)
	_, err := uuid.Parse(a.RunID)
	require.NoError(t, err)
	assert.NotEqual(t, a.RunID, b.RunID)
}

func TestNewRecordLengthMismatch(t *testing.T) {
	_, err := NewRecord(memory.NewGoAllocator(), NewMeta("dot", 2), mat.NewDense(2, 2, nil), []int{1})
	assert.Error(t, err)
}

func TestNewRecordNilLengths(t *testing.T) {
	rec, err := NewRecord(memory.NewGoAllocator(), NewMeta("dot", 2), mat.NewDense(1, 4, nil), nil)
	require.NoError(t, err)
	defer rec.Release()

	got, _, err := FromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, 4, got[0].Length)
}

func TestIllegalWeight(t *testing.T) {
	a := Alignment{Length: 2, Weights: []float64{0.5, 0.25, 0.25, 0}}
	assert.Equal(t, 0.25, a.IllegalWeight())
	assert.Equal(t, 0.0, Alignment{Length: 2, Weights: []float64{0.5, 0.5}}.IllegalWeight())
}

func TestWriteReadFileKeepsPaddingZeros(t *testing.T) {
	lengths := []int{7, 3, 5, 2}
	rng := rand.New(rand.NewPCG(1, 2))
	context := batch.MustRandom(rng, lengths, 20)
	hidden := batch.RandomQuery(rng, len(lengths), 20)

	attn, err := attention.New(20, attention.WithType(attention.General))
	require.NoError(t, err)
	out, err := attn.Step(hidden, context, lengths, nil)
	require.NoError(t, err)

	mem := memory.NewGoAllocator()
	meta := NewMeta(attention.General.String(), 20)
	rec, err := NewRecord(mem, meta, out.Align, lengths)
	require.NoError(t, err)
	defer rec.Release()

	path := filepath.Join(t.TempDir(), "align.arrow")
	require.NoError(t, WriteFile(path, rec, rec))

	got, gotMeta, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, meta, gotMeta)
	require.Len(t, got, 8)

	for i, a := range got {
		b := i % len(lengths)
		assert.Equal(t, b, a.Batch)
		assert.Equal(t, lengths[b], a.Length)
		assert.Equal(t, out.Align.RawRowView(b), a.Weights)
		assert.Equal(t, 0.0, a.IllegalWeight(), "batch %d leaked weight", b)
	}
}

func TestWriteFileErrors(t *testing.T) {
	assert.Error(t, WriteFile(filepath.Join(t.TempDir(), "x.arrow")))

	_, _, err := ReadFile(filepath.Join(t.TempDir(), "missing.arrow"))
	assert.Error(t, err)
}

func TestAlignmentCheck(t *testing.T) {
	tests := []struct {
		name string
		a    Alignment
		want error
	}{
		{"clean", Alignment{Length: 2, Weights: []float64{0.4, 0.6, 0}}, nil},
		{"full length", Alignment{Length: 2, Weights: []float64{0.4, 0.6}}, nil},
		{"leak", Alignment{Length: 1, Weights: []float64{0.9, 0.1}}, ErrLeak},
		{"cancelling leak", Alignment{Length: 2, Weights: []float64{0.5, 0.5, 0.3, -0.3}}, ErrLeak},
		{"nan leak", Alignment{Length: 1, Weights: []float64{1, math.NaN()}}, ErrLeak},
		{"negative length", Alignment{Length: -1, Weights: []float64{1, 0}}, ErrLength},
		{"zero length", Alignment{Length: 0, Weights: []float64{1}}, ErrLength},
		{"length past weights", Alignment{Length: 3, Weights: []float64{0.5, 0.5}}, ErrLength},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.a.Check()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestIllegalWeightNegativeLength(t *testing.T) {
	a := Alignment{Length: -1, Weights: []float64{0.25, 0.75}}
	assert.Equal(t, 1.0, a.IllegalWeight())
}
