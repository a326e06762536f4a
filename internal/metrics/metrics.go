package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AttentionCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attention_calls_total",
		Help: "Total number of attention forward calls",
	}, []string{"type", "mode"})

	AttentionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "attention_duration_seconds",
		Help:    "Duration of attention forward calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	SourceLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attention_source_length",
		Help:    "Distribution of valid source lengths attended over",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512},
	})

	MaskedPositions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attention_masked_positions_total",
		Help: "Total number of padding positions masked out of alignments",
	})

	MaskViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attention_mask_violations_total",
		Help: "Total number of padding positions that received nonzero weight",
	})

	IllegalWeightSum = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "attention_illegal_weight_sum",
		Help: "Sum of alignment weight on padding positions in the last audit",
	})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	FlightRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flight_records_total",
		Help: "Alignment records moved over Arrow Flight",
	}, []string{"direction"})
)

func RecordAttention(attnType, mode string, duration time.Duration) {
	AttentionCalls.WithLabelValues(attnType, mode).Inc()
	AttentionDuration.WithLabelValues(attnType).Observe(duration.Seconds())
}

func RecordSourceLengths(lengths []int) {
	for _, l := range lengths {
		SourceLengthHistogram.Observe(float64(l))
	}
}

// RecordMaskAudit records the outcome of an alignment mask audit.
func RecordMaskAudit(masked, violations int, illegalSum float64) {
	MaskedPositions.Add(float64(masked))
	if violations > 0 {
		MaskViolations.Add(float64(violations))
	}
	IllegalWeightSum.Set(illegalSum)
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordFlight(direction string, rows int) {
	FlightRecords.WithLabelValues(direction).Add(float64(rows))
}
