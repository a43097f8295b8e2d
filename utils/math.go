package utils

import (
	"math"
)

func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1.0 / (1.0 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1.0 + e)
}

func ReLU(x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}

// MaskedSoftmax normalises scores over the positions where mask is false.
// Masked positions get probability 0. A fully masked row returns all zeros.
func MaskedSoftmax(scores []float64, mask []bool) []float64 {
	out := make([]float64, len(scores))
	mx := math.Inf(-1)
	for i, s := range scores {
		if masked(mask, i) {
			continue
		}
		if s > mx {
			mx = s
		}
	}
	if math.IsInf(mx, -1) {
		return out
	}
	sum := 0.0
	for i, s := range scores {
		if masked(mask, i) {
			continue
		}
		out[i] = math.Exp(s - mx)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// SoftmaxBackward maps dL/dp to dL/ds for p = softmax(s).
// dS[j] = p[j] * (dP[j] - sum_k dP[k]*p[k])
func SoftmaxBackward(dP, p []float64) []float64 {
	s := 0.0
	for k := range p {
		s += dP[k] * p[k]
	}
	out := make([]float64, len(p))
	for j := range p {
		out[j] = p[j] * (dP[j] - s)
	}
	return out
}

func masked(mask []bool, i int) bool {
	return i < len(mask) && mask[i]
}

// BinaryCrossEntropy of a probability p against target y in {0,1}.
// Log terms are clamped at -100 to stay finite.
func BinaryCrossEntropy(p, y float64) float64 {
	return -(y*clampLog(p) + (1-y)*clampLog(1-p))
}

func clampLog(x float64) float64 {
	if x <= 0 {
		return -100
	}
	return math.Max(math.Log(x), -100)
}
