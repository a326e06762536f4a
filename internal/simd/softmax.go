package simd

import "math"

// Softmax normalizes x in place.
func Softmax(x []float64) {
	if len(x) == 0 {
		return
	}
	max := math.Inf(-1)
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	if math.IsInf(max, -1) {
		zero(x)
		return
	}

	sum := 0.0
	for i := range x {
		x[i] = math.Exp(x[i] - max)
		sum += x[i]
	}

	inv := 1.0 / sum
	for i := range x {
		x[i] *= inv
	}
}

// MaskedSoftmax normalizes the entries of x whose valid flag is set and
// writes exactly 0 to every other entry. A row with no valid entry is all
// zeros.
func MaskedSoftmax(x []float64, valid []bool) {
	if len(valid) != len(x) {
		panic("simd: mask length does not match input")
	}

	max := math.Inf(-1)
	for i, v := range x {
		if valid[i] && v > max {
			max = v
		}
	}
	if math.IsInf(max, -1) {
		zero(x)
		return
	}

	sum := 0.0
	for i := range x {
		if !valid[i] {
			x[i] = 0
			continue
		}
		x[i] = math.Exp(x[i] - max)
		sum += x[i]
	}

	inv := 1.0 / sum
	for i := range x {
		if valid[i] {
			x[i] *= inv
		}
	}
}

// PrefixSoftmax treats the first n entries of x as valid.
func PrefixSoftmax(x []float64, n int) {
	if n > len(x) {
		n = len(x)
	}
	if n <= 0 {
		zero(x)
		return
	}
	Softmax(x[:n])
	zero(x[n:])
}

func zero(x []float64) {
	for i := range x {
		x[i] = 0
	}
}
