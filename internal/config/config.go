package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type PrecisionMode int

const (
	PrecisionFP64 PrecisionMode = iota
	// PrecisionFP16 rounds inputs and parameters through IEEE half
	// precision before the forward pass.
	PrecisionFP16
)

func (p PrecisionMode) String() string {
	switch p {
	case PrecisionFP64:
		return "fp64"
	case PrecisionFP16:
		return "fp16"
	default:
		return fmt.Sprintf("precision(%d)", int(p))
	}
}

func ParsePrecision(s string) (PrecisionMode, error) {
	switch strings.ToLower(s) {
	case "fp64", "f64", "":
		return PrecisionFP64, nil
	case "fp16", "f16", "half":
		return PrecisionFP16, nil
	default:
		return PrecisionFP64, fmt.Errorf("unknown precision %q", s)
	}
}

var attnTypes = map[string]bool{"dot": true, "general": true, "mlp": true}

type Config struct {
	Dim       int
	AttnType  string
	Coverage  bool
	Precision PrecisionMode
	// Workers bounds per-batch-element parallelism; 0 means NumCPU.
	Workers int
	Seed    uint64
	Audit   bool

	LogLevel    string
	LogFormat   string
	MetricsAddr string
	FlightAddr  string
}

func (c *Config) Validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("invalid dim: %d (must be positive)", c.Dim)
	}
	if !attnTypes[c.GetAttnType()] {
		return fmt.Errorf("invalid attn_type: %q (must be dot, general or mlp)", c.AttnType)
	}
	if c.Precision != PrecisionFP64 && c.Precision != PrecisionFP16 {
		return fmt.Errorf("invalid precision: %d", int(c.Precision))
	}
	if c.Workers < 0 {
		return fmt.Errorf("invalid workers: %d (must be non-negative)", c.Workers)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log_format: %q (must be json or console)", c.LogFormat)
	}
	return nil
}

func (c *Config) GetAttnType() string {
	return strings.ToLower(c.AttnType)
}

// ApplyEnv overrides fields from ALIGN_* environment variables.
func (c *Config) ApplyEnv() error {
	if v, ok := os.LookupEnv("ALIGN_DIM"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ALIGN_DIM: %w", err)
		}
		c.Dim = n
	}
	if v, ok := os.LookupEnv("ALIGN_ATTN_TYPE"); ok {
		c.AttnType = v
	}
	if v, ok := os.LookupEnv("ALIGN_COVERAGE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ALIGN_COVERAGE: %w", err)
		}
		c.Coverage = b
	}
	if v, ok := os.LookupEnv("ALIGN_PRECISION"); ok {
		p, err := ParsePrecision(v)
		if err != nil {
			return fmt.Errorf("ALIGN_PRECISION: %w", err)
		}
		c.Precision = p
	}
	if v, ok := os.LookupEnv("ALIGN_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ALIGN_WORKERS: %w", err)
		}
		c.Workers = n
	}
	if v, ok := os.LookupEnv("ALIGN_SEED"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("ALIGN_SEED: %w", err)
		}
		c.Seed = n
	}
	if v, ok := os.LookupEnv("ALIGN_AUDIT"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ALIGN_AUDIT: %w", err)
		}
		c.Audit = b
	}
	if v, ok := os.LookupEnv("ALIGN_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv("ALIGN_LOG_FORMAT"); ok {
		c.LogFormat = v
	}
	if v, ok := os.LookupEnv("ALIGN_METRICS_ADDR"); ok {
		c.MetricsAddr = v
	}
	if v, ok := os.LookupEnv("ALIGN_FLIGHT_ADDR"); ok {
		c.FlightAddr = v
	}
	return nil
}

func Default() Config {
	return Config{
		Dim:         20,
		AttnType:    "dot",
		Precision:   PrecisionFP64,
		Seed:        1,
		Audit:       true,
		LogLevel:    "info",
		LogFormat:   "console",
		MetricsAddr: ":9090",
	}
}
