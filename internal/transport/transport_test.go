package transport

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-align/internal/attention"
	"github.com/23skdu/longbow-align/internal/batch"
	"github.com/23skdu/longbow-align/internal/export"
)

func startSink(t *testing.T) *Sink {
	t.Helper()
	s := NewSink()
	require.NoError(t, s.Listen("localhost:0"))
	go s.Serve()
	t.Cleanup(s.Shutdown)
	return s
}

func connect(t *testing.T, s *Sink) *Client {
	t.Helper()
	c := NewClient(s.Addr().String())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutAlignmentsRoundTrip(t *testing.T) {
	s := startSink(t)
	c := connect(t, s)

	lengths := []int{7, 3, 5, 2}
	rng := rand.New(rand.NewPCG(4, 2))
	attn, err := attention.New(20, attention.WithType(attention.MLP), attention.WithAudit(true))
	require.NoError(t, err)
	out, err := attn.Step(batch.RandomQuery(rng, 4, 20), batch.MustRandom(rng, lengths, 20), lengths, nil)
	require.NoError(t, err)

	meta := export.NewMeta("mlp", 20)
	rec, err := export.NewRecord(memory.NewGoAllocator(), meta, out.Align, lengths)
	require.NoError(t, err)
	defer rec.Release()

	require.NoError(t, c.PutAlignments(context.Background(), "runs/reference", rec))

	got, gotMeta := s.Received("runs/reference")
	assert.Equal(t, meta, gotMeta)
	require.Len(t, got, 4)
	for b, a := range got {
		assert.Equal(t, lengths[b], a.Length)
		assert.Equal(t, out.Align.RawRowView(b), a.Weights)
		assert.Equal(t, 0.0, a.IllegalWeight())
	}
}

func TestSinkRejectsInvalidAlignments(t *testing.T) {
	s := startSink(t)
	c := connect(t, s)

	tests := []struct {
		name    string
		weights []float64
		length  int
		code    codes.Code
	}{
		{"positive leak", []float64{0.5, 0.25, 0.25}, 2, codes.FailedPrecondition},
		{"cancelling leak", []float64{0.5, 0.5, 0.3, -0.3}, 2, codes.FailedPrecondition},
		{"nan on padding", []float64{1, math.NaN()}, 1, codes.FailedPrecondition},
		{"negative length", []float64{1, 0}, -1, codes.InvalidArgument},
		{"zero length", []float64{1, 0}, 0, codes.InvalidArgument},
		{"length past weights", []float64{0.5, 0.5}, 3, codes.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			align := mat.NewDense(1, len(tt.weights), tt.weights)
			rec, err := export.NewRecord(memory.NewGoAllocator(), export.NewMeta("dot", 2), align, []int{tt.length})
			require.NoError(t, err)
			defer rec.Release()

			path := "runs/" + tt.name
			err = c.PutAlignments(context.Background(), path, rec)
			require.Error(t, err)
			assert.Equal(t, tt.code, status.Code(err), "got %v", err)

			got, _ := s.Received(path)
			assert.Empty(t, got)
		})
	}

	// A rejected put must leave the sink serving.
	rec, err := export.NewRecord(memory.NewGoAllocator(), export.NewMeta("dot", 2),
		mat.NewDense(1, 3, []float64{0.4, 0.6, 0}), []int{2})
	require.NoError(t, err)
	defer rec.Release()
	require.NoError(t, c.PutAlignments(context.Background(), "runs/good", rec))
	got, _ := s.Received("runs/good")
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Length)
}

func TestPutWithoutConnect(t *testing.T) {
	c := NewClient("localhost:1")
	rec, err := export.NewRecord(memory.NewGoAllocator(), export.NewMeta("dot", 1), mat.NewDense(1, 1, []float64{1}), nil)
	require.NoError(t, err)
	defer rec.Release()

	err = c.PutAlignments(context.Background(), "x", rec)
	assert.True(t, errors.Is(err, ErrNotConnected), "got %v", err)
	assert.NoError(t, c.Close())
}

func TestConnectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, NewClient("localhost:1").Connect(ctx))
}
