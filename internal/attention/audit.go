package attention

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Violation is a padding position that carries nonzero weight.
type Violation struct {
	Batch  int
	Target int
	Pos    int
	Weight float64
}

// MaskAuditResult summarizes how well alignments respect source lengths.
type MaskAuditResult struct {
	IllegalWeightSum   float64
	NumMasked          int
	NumUnmasked        int
	MaxRowSumDeviation float64
	NaNCount           int
	Violations         []Violation
	IsStrict           bool
}

// AuditAlignmentMask checks a batch x srcLen alignment matrix: row b may
// only carry weight in its first lengths[b] columns. Rows without a length
// are treated as fully valid.
func AuditAlignmentMask(align mat.Matrix, lengths []int) MaskAuditResult {
	var audit MaskAuditResult
	rows, cols := align.Dims()
	for b := 0; b < rows; b++ {
		audit.addRow(align, b, b, 0, lengthAt(lengthsOrNil(lengths, rows), b, cols))
	}
	audit.IsStrict = audit.strict()
	return audit
}

// AuditSequenceMask audits multi-step alignments, one tgtLen x srcLen
// matrix per batch element.
func AuditSequenceMask(aligns []*mat.Dense, lengths []int) MaskAuditResult {
	var audit MaskAuditResult
	for b, a := range aligns {
		rows, cols := a.Dims()
		n := lengthAt(lengthsOrNil(lengths, len(aligns)), b, cols)
		for t := 0; t < rows; t++ {
			audit.addRow(a, t, b, t, n)
		}
	}
	audit.IsStrict = audit.strict()
	return audit
}

func (a *MaskAuditResult) addRow(m mat.Matrix, row, batch, target, n int) {
	_, cols := m.Dims()
	if n > cols {
		n = cols
	}
	var sum float64
	for j := 0; j < cols; j++ {
		w := m.At(row, j)
		if math.IsNaN(w) {
			a.NaNCount++
			continue
		}
		if j < n {
			a.NumUnmasked++
			sum += w
			continue
		}
		a.NumMasked++
		a.IllegalWeightSum += w
		if w != 0 {
			a.Violations = append(a.Violations, Violation{Batch: batch, Target: target, Pos: j, Weight: w})
		}
	}
	if n > 0 {
		if dev := math.Abs(sum - 1); dev > a.MaxRowSumDeviation {
			a.MaxRowSumDeviation = dev
		}
	}
}

func (a *MaskAuditResult) strict() bool {
	return a.IllegalWeightSum == 0 && len(a.Violations) == 0 && a.NaNCount == 0
}

// lengthsOrNil returns nil, meaning all valid, when lengths does not cover
// every row.
func lengthsOrNil(lengths []int, rows int) []int {
	if len(lengths) < rows {
		return nil
	}
	return lengths
}
