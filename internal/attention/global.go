package attention

import (
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-align/internal/config"
	"github.com/23skdu/longbow-align/internal/logger"
	"github.com/23skdu/longbow-align/internal/metrics"
	"github.com/23skdu/longbow-align/internal/nn"
	"github.com/23skdu/longbow-align/internal/simd"
)

// Type selects the score function.
type Type int

const (
	// Dot scores with h_t . h_s.
	Dot Type = iota
	// General scores with (W h_t) . h_s.
	General
	// MLP scores with v . tanh(W_q h_t + W_c h_s).
	MLP
)

func (t Type) String() string {
	switch t {
	case Dot:
		return "dot"
	case General:
		return "general"
	case MLP:
		return "mlp"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "dot":
		return Dot, nil
	case "general":
		return General, nil
	case "mlp":
		return MLP, nil
	default:
		return Dot, fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
}

type options struct {
	typ       Type
	coverage  bool
	seed      uint64
	precision config.PrecisionMode
	workers   int
	audit     bool
}

type Option func(*options)

func WithType(t Type) Option { return func(o *options) { o.typ = t } }

func WithCoverage(on bool) Option { return func(o *options) { o.coverage = on } }

func WithSeed(seed uint64) Option { return func(o *options) { o.seed = seed } }

func WithPrecision(p config.PrecisionMode) Option { return func(o *options) { o.precision = p } }

// WithWorkers bounds how many batch elements are computed at once. Zero or
// less means runtime.NumCPU().
func WithWorkers(n int) Option { return func(o *options) { o.workers = n } }

// WithAudit makes every forward call audit its alignments and fail with
// ErrMaskViolation when a padding position carries weight.
func WithAudit(on bool) Option { return func(o *options) { o.audit = on } }

// FromConfig translates a validated Config into options.
func FromConfig(cfg config.Config) ([]Option, error) {
	typ, err := ParseType(cfg.AttnType)
	if err != nil {
		return nil, err
	}
	return []Option{
		WithType(typ),
		WithCoverage(cfg.Coverage),
		WithSeed(cfg.Seed),
		WithPrecision(cfg.Precision),
		WithWorkers(cfg.Workers),
		WithAudit(cfg.Audit),
	}, nil
}

// GlobalAttention attends from decoder queries over a padded batch of
// source states.
type GlobalAttention struct {
	dim  int
	opts options

	linearIn      *nn.Linear // general
	linearContext *nn.Linear // mlp
	linearQuery   *nn.Linear // mlp
	v             *nn.Linear // mlp
	linearOut     *nn.Linear
	linearCover   *nn.Linear // coverage
}

// Output is the result of a single decoder step.
type Output struct {
	AttnH   *mat.Dense // batch x dim
	Align   *mat.Dense // batch x srcLen
	Context *mat.Dense // batch x dim
}

// SeqOutput holds one matrix per batch element.
type SeqOutput struct {
	AttnH   []*mat.Dense // tgtLen x dim
	Align   []*mat.Dense // tgtLen x srcLen
	Context []*mat.Dense // tgtLen x dim
}

func New(dim int, opts ...Option) (*GlobalAttention, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDim, dim)
	}
	o := options{typ: Dot, seed: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if o.typ < Dot || o.typ > MLP {
		return nil, fmt.Errorf("%w: %v", ErrUnknownType, o.typ)
	}
	if o.workers <= 0 {
		o.workers = runtime.NumCPU()
	}

	rng := rand.New(rand.NewPCG(o.seed, o.seed^0x9e3779b97f4a7c15))
	g := &GlobalAttention{dim: dim, opts: o}
	switch o.typ {
	case General:
		g.linearIn = nn.NewLinear(dim, dim, false, rng)
	case MLP:
		g.linearContext = nn.NewLinear(dim, dim, false, rng)
		g.linearQuery = nn.NewLinear(dim, dim, true, rng)
		g.v = nn.NewLinear(dim, 1, false, rng)
	}
	g.linearOut = nn.NewLinear(2*dim, dim, o.typ == MLP, rng)
	if o.coverage {
		g.linearCover = nn.NewLinear(1, dim, false, rng)
	}

	if o.precision == config.PrecisionFP16 {
		for _, l := range g.layers() {
			l.RoundHalf()
		}
	}

	logger.Log.Debug("global attention created",
		"dim", dim,
		"type", o.typ.String(),
		"coverage", o.coverage,
		"precision", o.precision.String(),
		"workers", o.workers,
	)
	return g, nil
}

func (g *GlobalAttention) Dim() int   { return g.dim }
func (g *GlobalAttention) Type() Type { return g.opts.typ }

func (g *GlobalAttention) layers() []*nn.Linear {
	var out []*nn.Linear
	for _, l := range []*nn.Linear{g.linearIn, g.linearContext, g.linearQuery, g.v, g.linearOut, g.linearCover} {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

// Step runs one decoder step. hidden is batch x dim, context[b] is
// srcLen x dim and coverage, when given, is batch x srcLen. A nil lengths
// slice leaves every position valid. Positions at or beyond lengths[b]
// receive exactly zero weight.
func (g *GlobalAttention) Step(hidden *mat.Dense, context []*mat.Dense, lengths []int, coverage *mat.Dense) (*Output, error) {
	start := time.Now()
	if hidden == nil {
		return nil, g.invalid("step", "shape", fmt.Errorf("%w: nil hidden", ErrShapeMismatch))
	}
	batch, srcLen, err := g.checkContext(context, lengths)
	if err != nil {
		return nil, g.invalid("step", "shape", err)
	}
	if r, c := hidden.Dims(); r != batch || c != g.dim {
		return nil, g.invalid("step", "shape",
			fmt.Errorf("%w: hidden is %dx%d, want %dx%d", ErrShapeMismatch, r, c, batch, g.dim))
	}
	if coverage != nil {
		if !g.opts.coverage {
			return nil, g.invalid("step", "coverage", ErrCoverageDisabled)
		}
		if r, c := coverage.Dims(); r != batch || c != srcLen {
			return nil, g.invalid("step", "shape",
				fmt.Errorf("%w: coverage is %dx%d, want %dx%d", ErrShapeMismatch, r, c, batch, srcLen))
		}
	}

	res := make([]elementResult, batch)
	var eg errgroup.Group
	eg.SetLimit(g.opts.workers)
	for b := 0; b < batch; b++ {
		eg.Go(func() error {
			q := mat.DenseCopyOf(hidden.Slice(b, b+1, 0, g.dim))
			var cov []float64
			if coverage != nil {
				cov = coverage.RawRowView(b)
			}
			res[b] = g.forward(q, context[b], lengthAt(lengths, b, srcLen), cov)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	out := &Output{
		AttnH:   mat.NewDense(batch, g.dim, nil),
		Align:   mat.NewDense(batch, srcLen, nil),
		Context: mat.NewDense(batch, g.dim, nil),
	}
	for b, r := range res {
		out.AttnH.SetRow(b, r.attnH.RawRowView(0))
		out.Align.SetRow(b, r.align.RawRowView(0))
		out.Context.SetRow(b, r.context.RawRowView(0))
	}

	if err := g.finish("step", start, lengths, srcLen, func() MaskAuditResult {
		return AuditAlignmentMask(out.Align, lengths)
	}); err != nil {
		return nil, err
	}
	logger.Log.Debug("attention step",
		"type", g.opts.typ.String(),
		"batch", batch,
		"src_len", srcLen,
		"duration", time.Since(start),
	)
	return out, nil
}

// Sequence applies attention for every target row of query[b] (tgtLen x
// dim) against context[b].
func (g *GlobalAttention) Sequence(query []*mat.Dense, context []*mat.Dense, lengths []int) (*SeqOutput, error) {
	start := time.Now()
	if g.opts.coverage {
		return nil, g.invalid("sequence", "coverage", ErrCoverageMultiStep)
	}
	batch, srcLen, err := g.checkContext(context, lengths)
	if err != nil {
		return nil, g.invalid("sequence", "shape", err)
	}
	if len(query) != batch {
		return nil, g.invalid("sequence", "shape",
			fmt.Errorf("%w: %d queries for %d contexts", ErrShapeMismatch, len(query), batch))
	}
	tgtLen := -1
	for b, q := range query {
		if q == nil {
			return nil, g.invalid("sequence", "shape", fmt.Errorf("%w: nil query %d", ErrShapeMismatch, b))
		}
		r, c := q.Dims()
		if c != g.dim || (tgtLen >= 0 && r != tgtLen) {
			return nil, g.invalid("sequence", "shape",
				fmt.Errorf("%w: query[%d] is %dx%d", ErrShapeMismatch, b, r, c))
		}
		tgtLen = r
	}

	out := &SeqOutput{
		AttnH:   make([]*mat.Dense, batch),
		Align:   make([]*mat.Dense, batch),
		Context: make([]*mat.Dense, batch),
	}
	var eg errgroup.Group
	eg.SetLimit(g.opts.workers)
	for b := 0; b < batch; b++ {
		eg.Go(func() error {
			r := g.forward(mat.DenseCopyOf(query[b]), context[b], lengthAt(lengths, b, srcLen), nil)
			out.AttnH[b], out.Align[b], out.Context[b] = r.attnH, r.align, r.context
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	if err := g.finish("sequence", start, lengths, srcLen, func() MaskAuditResult {
		return AuditSequenceMask(out.Align, lengths)
	}); err != nil {
		return nil, err
	}
	logger.Log.Debug("attention sequence",
		"type", g.opts.typ.String(),
		"batch", batch,
		"tgt_len", tgtLen,
		"src_len", srcLen,
		"duration", time.Since(start),
	)
	return out, nil
}

type elementResult struct {
	attnH, align, context *mat.Dense
}

// forward computes attention for one batch element. q is owned by the
// callee; src is read-only.
func (g *GlobalAttention) forward(q *mat.Dense, src *mat.Dense, n int, cov []float64) elementResult {
	h := mat.DenseCopyOf(src)
	if g.opts.precision == config.PrecisionFP16 {
		nn.RoundHalf(q)
		nn.RoundHalf(h)
	}
	if cov != nil {
		g.applyCoverage(h, cov)
	}

	align := g.score(q, h)
	rows, _ := align.Dims()
	for t := 0; t < rows; t++ {
		simd.PrefixSoftmax(align.RawRowView(t), n)
	}

	var c mat.Dense
	c.Mul(align, h)

	var concat mat.Dense
	concat.Augment(&c, q)
	attnH := g.linearOut.Forward(&concat)
	if g.opts.typ != MLP {
		nn.Tanh(attnH)
	}
	return elementResult{attnH: attnH, align: align, context: &c}
}

// applyCoverage replaces each source state with tanh(h_s + W_cover * cov_j).
func (g *GlobalAttention) applyCoverage(h *mat.Dense, cov []float64) {
	w := g.linearCover.W.RawMatrix().Data // dim x 1
	srcLen, _ := h.Dims()
	for j := 0; j < srcLen; j++ {
		row := h.RawRowView(j)
		for k := range row {
			row[k] += w[k] * cov[j]
		}
	}
	nn.Tanh(h)
}

// score returns the tgtLen x srcLen compatibility matrix.
func (g *GlobalAttention) score(q, h *mat.Dense) *mat.Dense {
	tgtLen, _ := q.Dims()
	srcLen, _ := h.Dims()
	out := mat.NewDense(tgtLen, srcLen, nil)

	switch g.opts.typ {
	case Dot:
		out.Mul(q, h.T())
	case General:
		out.Mul(g.linearIn.Forward(q), h.T())
	case MLP:
		wq := g.linearQuery.Forward(q)
		uh := g.linearContext.Forward(h)
		v := g.v.W.RawRowView(0)
		for t := 0; t < tgtLen; t++ {
			qt := wq.RawRowView(t)
			row := out.RawRowView(t)
			for s := 0; s < srcLen; s++ {
				hs := uh.RawRowView(s)
				var sum float64
				for k, vk := range v {
					sum += vk * math.Tanh(qt[k]+hs[k])
				}
				row[s] = sum
			}
		}
	}
	return out
}

func (g *GlobalAttention) checkContext(context []*mat.Dense, lengths []int) (batch, srcLen int, err error) {
	if len(context) == 0 {
		return 0, 0, ErrEmptyBatch
	}
	batch = len(context)
	for b, c := range context {
		if c == nil {
			return 0, 0, fmt.Errorf("%w: nil context %d", ErrShapeMismatch, b)
		}
		r, d := c.Dims()
		if b == 0 {
			srcLen = r
		}
		if r != srcLen || d != g.dim {
			return 0, 0, fmt.Errorf("%w: context[%d] is %dx%d, want %dx%d", ErrShapeMismatch, b, r, d, srcLen, g.dim)
		}
	}
	if lengths != nil {
		if len(lengths) != batch {
			return 0, 0, fmt.Errorf("%w: %d lengths for batch of %d", ErrShapeMismatch, len(lengths), batch)
		}
		if err := checkLengths(lengths, srcLen); err != nil {
			return 0, 0, err
		}
	}
	return batch, srcLen, nil
}

// finish records metrics and, when auditing is on, rejects alignments
// that leak weight onto padding.
func (g *GlobalAttention) finish(mode string, start time.Time, lengths []int, srcLen int, audit func() MaskAuditResult) error {
	metrics.RecordAttention(g.opts.typ.String(), mode, time.Since(start))
	if lengths != nil {
		metrics.RecordSourceLengths(lengths)
	}
	if !g.opts.audit {
		return nil
	}
	a := audit()
	metrics.RecordMaskAudit(a.NumMasked, len(a.Violations), a.IllegalWeightSum)
	metrics.RecordNumericalInstability("align", a.NaNCount, 0)
	if !a.IsStrict {
		logger.Log.Error("alignment mask audit failed",
			"mode", mode,
			"illegal_weight_sum", a.IllegalWeightSum,
			"violations", len(a.Violations),
			"nan", a.NaNCount,
			"src_len", srcLen,
		)
		metrics.RecordValidationError(mode, "mask")
		return fmt.Errorf("%w: %d positions, illegal weight sum %g", ErrMaskViolation, len(a.Violations), a.IllegalWeightSum)
	}
	return nil
}

func (g *GlobalAttention) invalid(op, kind string, err error) error {
	metrics.RecordValidationError(op, kind)
	logger.Log.Warn("attention input rejected", "op", op, "err", err)
	return err
}

func lengthAt(lengths []int, b, srcLen int) int {
	if lengths == nil {
		return srcLen
	}
	return lengths[b]
}
