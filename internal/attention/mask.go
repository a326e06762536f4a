package attention

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyBatch        = errors.New("attention: empty batch")
	ErrInvalidLength     = errors.New("attention: invalid source length")
	ErrInvalidDim        = errors.New("attention: invalid dimension")
	ErrShapeMismatch     = errors.New("attention: shape mismatch")
	ErrUnknownType       = errors.New("attention: unknown attention type")
	ErrCoverageDisabled  = errors.New("attention: coverage given but not enabled")
	ErrCoverageMultiStep = errors.New("attention: coverage is only supported for single steps")
	ErrMaskViolation     = errors.New("attention: padding positions received weight")
)

// SequenceMask returns mask[b][j] == true iff j < lengths[b]. If maxLen is
// not positive the longest length is used.
func SequenceMask(lengths []int, maxLen int) ([][]bool, error) {
	if err := checkLengths(lengths, maxLen); err != nil {
		return nil, err
	}
	if maxLen <= 0 {
		maxLen = maxOf(lengths)
	}
	mask := make([][]bool, len(lengths))
	for b, n := range lengths {
		row := make([]bool, maxLen)
		for j := 0; j < n; j++ {
			row[j] = true
		}
		mask[b] = row
	}
	return mask, nil
}

// IllegalMask is the complement of SequenceMask: it marks padding.
func IllegalMask(lengths []int, maxLen int) ([][]bool, error) {
	mask, err := SequenceMask(lengths, maxLen)
	if err != nil {
		return nil, err
	}
	for _, row := range mask {
		for j := range row {
			row[j] = !row[j]
		}
	}
	return mask, nil
}

func checkLengths(lengths []int, maxLen int) error {
	if len(lengths) == 0 {
		return ErrEmptyBatch
	}
	if maxLen <= 0 {
		maxLen = maxOf(lengths)
	}
	for b, n := range lengths {
		if n < 1 || n > maxLen {
			return fmt.Errorf("%w: lengths[%d] = %d, want 1..%d", ErrInvalidLength, b, n, maxLen)
		}
	}
	return nil
}

func maxOf(lengths []int) int {
	m := 0
	for _, n := range lengths {
		if n > m {
			m = n
		}
	}
	return m
}
