package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-align/internal/attention"
	"github.com/23skdu/longbow-align/internal/batch"
	"github.com/23skdu/longbow-align/internal/config"
	"github.com/23skdu/longbow-align/internal/export"
	"github.com/23skdu/longbow-align/internal/logger"
	"github.com/23skdu/longbow-align/internal/transport"
)

var errNotStrict = errors.New("alignment mask audit failed")

type runOptions struct {
	lengths    []int
	fp16       bool
	exportPath string
	flightPath string
}

func newRunCmd(cfg *config.Config) *cobra.Command {
	opts := runOptions{flightPath: "align/run"}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one attention step over random inputs and audit the padding mask",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.fp16 {
				cfg.Precision = config.PrecisionFP16
			}
			return runAttention(cmd.Context(), cmd.OutOrStdout(), *cfg, opts)
		},
	}

	f := cmd.Flags()
	f.IntSliceVar(&opts.lengths, "lengths", []int{7, 3, 5, 2}, "Valid source length of each batch element")
	f.IntVar(&cfg.Dim, "dim", cfg.Dim, "Hidden and context dimension")
	f.StringVar(&cfg.AttnType, "type", cfg.AttnType, "Attention type (dot, general, mlp)")
	f.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "Seed for parameters and inputs")
	f.BoolVar(&cfg.Coverage, "coverage", cfg.Coverage, "Feed a random coverage vector into the step")
	f.BoolVar(&opts.fp16, "fp16", cfg.Precision == config.PrecisionFP16, "Round inputs and parameters through half precision")
	f.IntVar(&cfg.Workers, "workers", cfg.Workers, "Batch elements computed concurrently (0 = NumCPU)")
	f.StringVar(&opts.exportPath, "export", "", "Write the alignments to an Arrow IPC file")
	f.StringVar(&cfg.FlightAddr, "flight", cfg.FlightAddr, "Push the alignments to a Flight sink at this address")
	f.StringVar(&opts.flightPath, "flight-path", opts.flightPath, "Descriptor path used for the Flight put")
	return cmd
}

func runAttention(ctx context.Context, w io.Writer, cfg config.Config, opts runOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	attnOpts, err := attention.FromConfig(cfg)
	if err != nil {
		return err
	}
	// The CLI reports the audit itself instead of failing inside Step.
	attnOpts = append(attnOpts, attention.WithAudit(false))

	attn, err := attention.New(cfg.Dim, attnOpts...)
	if err != nil {
		return err
	}
	if _, err := attention.SequenceMask(opts.lengths, 0); err != nil {
		return err
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1))
	src, err := batch.Random(rng, opts.lengths, cfg.Dim)
	if err != nil {
		return err
	}
	hidden := batch.RandomQuery(rng, len(opts.lengths), cfg.Dim)
	var coverage *mat.Dense
	if cfg.Coverage {
		coverage = mat.NewDense(len(opts.lengths), batch.MaxLen(opts.lengths), nil)
		coverage.Apply(func(_, _ int, _ float64) float64 { return rng.Float64() }, coverage)
	}

	out, err := attn.Step(hidden, src, opts.lengths, coverage)
	if err != nil {
		return err
	}

	renderAlignments(w, out.Align, opts.lengths)
	audit := attention.AuditAlignmentMask(out.Align, opts.lengths)
	fmt.Fprintf(w, "illegal weight sum: %g  masked: %d  unmasked: %d  max row-sum deviation: %.3g  strict: %v\n",
		audit.IllegalWeightSum, audit.NumMasked, audit.NumUnmasked, audit.MaxRowSumDeviation, audit.IsStrict)

	if opts.exportPath != "" || cfg.FlightAddr != "" {
		meta := export.NewMeta(attn.Type().String(), cfg.Dim)
		rec, err := export.NewRecord(memory.NewGoAllocator(), meta, out.Align, opts.lengths)
		if err != nil {
			return err
		}
		defer rec.Release()

		if opts.exportPath != "" {
			if err := export.WriteFile(opts.exportPath, rec); err != nil {
				return err
			}
			logger.Log.Info("alignments exported", "path", opts.exportPath, "run_id", meta.RunID)
		}
		if cfg.FlightAddr != "" {
			c := transport.NewClient(cfg.FlightAddr)
			if err := c.Connect(ctx); err != nil {
				return err
			}
			defer c.Close()
			if err := c.PutAlignments(ctx, opts.flightPath, rec); err != nil {
				return err
			}
			logger.Log.Info("alignments pushed", "addr", cfg.FlightAddr, "path", opts.flightPath, "run_id", meta.RunID)
		}
	}

	if !audit.IsStrict {
		return errNotStrict
	}
	return nil
}

func renderAlignments(w io.Writer, align *mat.Dense, lengths []int) {
	rows, cols := align.Dims()
	header := []string{"BATCH", "LEN"}
	for j := 0; j < cols; j++ {
		header = append(header, strconv.Itoa(j))
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	table.SetBorder(false)
	for r := 0; r < rows; r++ {
		row := []string{strconv.Itoa(r), strconv.Itoa(lengths[r])}
		for j := 0; j < cols; j++ {
			row = append(row, strconv.FormatFloat(align.At(r, j), 'f', 4, 64))
		}
		table.Append(row)
	}
	table.Render()
}
