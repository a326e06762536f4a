package export

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
)

const (
	metaRunID    = "run_id"
	metaAttnType = "attn_type"
	metaDim      = "dim"
)

var (
	ErrSchema = errors.New("export: unexpected alignment schema")
	ErrLength = errors.New("export: length out of range")
	ErrLeak   = errors.New("export: weight on padding")
)

// Meta describes the attention run that produced a record.
type Meta struct {
	RunID    string
	AttnType string
	Dim      int
}

// NewMeta stamps a fresh run ID.
func NewMeta(attnType string, dim int) Meta {
	return Meta{RunID: uuid.NewString(), AttnType: attnType, Dim: dim}
}

// Alignment is one batch element's weights over all padded source positions.
type Alignment struct {
	Batch   int
	Length  int
	Weights []float64
}

// IllegalWeight sums the weight on positions at or beyond Length. A
// negative Length counts every position as padding.
func (a Alignment) IllegalWeight() float64 {
	var sum float64
	for j := max(a.Length, 0); j < len(a.Weights); j++ {
		sum += a.Weights[j]
	}
	return sum
}

// Check reports ErrLength unless 1 <= Length <= len(Weights), and ErrLeak
// for the first padding position whose weight is not exactly zero. NaN
// counts as a leak.
func (a Alignment) Check() error {
	if a.Length < 1 || a.Length > len(a.Weights) {
		return fmt.Errorf("%w: batch %d has length %d over %d positions", ErrLength, a.Batch, a.Length, len(a.Weights))
	}
	for j := a.Length; j < len(a.Weights); j++ {
		if w := a.Weights[j]; w != 0 {
			return fmt.Errorf("%w: batch %d position %d has %g past length %d", ErrLeak, a.Batch, j, w, a.Length)
		}
	}
	return nil
}

// Schema returns the alignment record schema carrying meta.
func Schema(meta Meta) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{metaRunID, metaAttnType, metaDim},
		[]string{meta.RunID, meta.AttnType, strconv.Itoa(meta.Dim)},
	)
	return arrow.NewSchema([]arrow.Field{
		{Name: "batch", Type: arrow.PrimitiveTypes.Int32},
		{Name: "length", Type: arrow.PrimitiveTypes.Int32},
		{Name: "weights", Type: arrow.ListOf(arrow.PrimitiveTypes.Float64)},
	}, &md)
}

// NewRecord builds one row per batch element of align (batch x srcLen).
// Each row keeps every padded position. A nil lengths means all valid.
// The caller releases the record.
func NewRecord(mem memory.Allocator, meta Meta, align mat.Matrix, lengths []int) (arrow.Record, error) {
	rows, cols := align.Dims()
	if lengths != nil && len(lengths) != rows {
		return nil, fmt.Errorf("export: %d lengths for %d rows", len(lengths), rows)
	}

	b := array.NewRecordBuilder(mem, Schema(meta))
	defer b.Release()

	batchB := b.Field(0).(*array.Int32Builder)
	lengthB := b.Field(1).(*array.Int32Builder)
	listB := b.Field(2).(*array.ListBuilder)
	valueB := listB.ValueBuilder().(*array.Float64Builder)

	row := make([]float64, cols)
	for r := 0; r < rows; r++ {
		n := cols
		if lengths != nil {
			n = lengths[r]
		}
		batchB.Append(int32(r))
		lengthB.Append(int32(n))
		mat.Row(row, r, align)
		listB.Append(true)
		valueB.AppendValues(row, nil)
	}
	return b.NewRecord(), nil
}

// FromRecord decodes an alignment record.
func FromRecord(rec arrow.Record) ([]Alignment, Meta, error) {
	meta, err := metaFromSchema(rec.Schema())
	if err != nil {
		return nil, Meta{}, err
	}

	batchCol, ok1 := rec.Column(0).(*array.Int32)
	lengthCol, ok2 := rec.Column(1).(*array.Int32)
	listCol, ok3 := rec.Column(2).(*array.List)
	if !ok1 || !ok2 || !ok3 {
		return nil, Meta{}, ErrSchema
	}
	values, ok := listCol.ListValues().(*array.Float64)
	if !ok {
		return nil, Meta{}, ErrSchema
	}
	raw := values.Float64Values()

	out := make([]Alignment, rec.NumRows())
	for i := range out {
		start, end := listCol.ValueOffsets(i)
		out[i] = Alignment{
			Batch:   int(batchCol.Value(i)),
			Length:  int(lengthCol.Value(i)),
			Weights: append([]float64(nil), raw[start:end]...),
		}
	}
	return out, meta, nil
}

func metaFromSchema(s *arrow.Schema) (Meta, error) {
	if s.NumFields() != 3 {
		return Meta{}, fmt.Errorf("%w: %d fields", ErrSchema, s.NumFields())
	}
	md := s.Metadata()
	get := func(k string) string {
		if i := md.FindKey(k); i >= 0 {
			return md.Values()[i]
		}
		return ""
	}
	meta := Meta{RunID: get(metaRunID), AttnType: get(metaAttnType)}
	if d := get(metaDim); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil {
			return Meta{}, fmt.Errorf("%w: dim %q", ErrSchema, d)
		}
		meta.Dim = n
	}
	return meta, nil
}

// WriteFile writes records to path in the Arrow IPC file format. All
// records must share the first record's schema.
func WriteFile(path string, recs ...arrow.Record) error {
	if len(recs) == 0 {
		return errors.New("export: no records to write")
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create %s: %w", path, err)
	}
	defer f.Close()

	w, err := ipc.NewFileWriter(f, ipc.WithSchema(recs[0].Schema()))
	if err != nil {
		return fmt.Errorf("export: open writer: %w", err)
	}
	for _, rec := range recs {
		if err := w.Write(rec); err != nil {
			w.Close()
			return fmt.Errorf("export: write record: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("export: close writer: %w", err)
	}
	return f.Close()
}

// ReadFile reads every alignment stored in an Arrow IPC file.
func ReadFile(path string) ([]Alignment, Meta, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("export: open %s: %w", path, err)
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("export: open reader: %w", err)
	}
	defer r.Close()

	meta, err := metaFromSchema(r.Schema())
	if err != nil {
		return nil, Meta{}, err
	}
	var out []Alignment
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, Meta{}, fmt.Errorf("export: read record %d: %w", i, err)
		}
		aligns, _, err := FromRecord(rec)
		if err != nil {
			return nil, Meta{}, err
		}
		out = append(out, aligns...)
	}
	return out, meta, nil
}
