// Package transform draws the secret per-record parameters and applies them
// to a normalized feature vector.
package transform

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"invisibleface/models"
	"invisibleface/params"
)

// ErrZeroMagnitude is returned when the scaled feature has no energy left,
// so no descriptor can be normalized out of it.
var ErrZeroMagnitude = errors.New("obfuscated feature has zero magnitude")

// ErrMagnitudeMismatch is returned by Invert when the magnitude does not
// match the descriptor and parameters.
var ErrMagnitudeMismatch = errors.New("magnitude does not match descriptor")

const inversionTolerance = 1e-6

// Result is the public part of an obfuscation. W = exp(LogW) is the L2 norm
// of the scaled feature before normalization; it is carried as a logarithm
// because the packer quantizes ln(W) and W itself may leave float64 range.
type Result struct {
	Descriptor []float64
	LogW       float64
}

// W returns the magnitude. It may be +Inf or 0 for extreme parameters even
// though LogW is exact.
func (r *Result) W() float64 {
	return math.Exp(r.LogW)
}

// CheckDimension reports whether a feature of length n can be split into k
// equal blocks.
func CheckDimension(n, k int) error {
	if n == 0 || k <= 0 || n%k != 0 {
		return &models.DimensionError{Index: -1, Length: n, Blocks: k}
	}
	return nil
}

// CheckFeature runs CheckDimension and then rejects vectors whose L2 norm is
// zero or not finite.
func CheckFeature(feature []float64, k int) error {
	if err := CheckDimension(len(feature), k); err != nil {
		return err
	}
	norm := floats.Norm(feature, 2)
	switch {
	case math.IsNaN(norm) || math.IsInf(norm, 0):
		return &models.InvalidFeatureError{Index: -1, Reason: "non-finite components"}
	case norm == 0:
		return &models.InvalidFeatureError{Index: -1, Reason: "zero vector"}
	}
	return nil
}

// Apply multiplies block i of the feature (n/K contiguous components) by
// s_i * exp((u_i - L)/M) and normalizes the result. The feature is not
// modified.
func Apply(feature []float64, rp *RandomParams, sp *params.SecurityParams) (*Result, error) {
	if err := CheckDimension(len(feature), sp.K); err != nil {
		return nil, err
	}
	if len(rp.U) != sp.K || len(rp.S) != sp.K {
		return nil, fmt.Errorf("random params carry %d/%d blocks, want %d", len(rp.U), len(rp.S), sp.K)
	}

	exps := exponents(rp, sp)
	eMax := floats.Max(exps)

	// Scales are taken relative to the largest exponent so that no block
	// overflows; the common factor exp(eMax) is folded back into LogW.
	blockLen := len(feature) / sp.K
	scaled := make([]float64, len(feature))
	for i := 0; i < sp.K; i++ {
		scale := float64(rp.S[i]) * math.Exp(exps[i]-eMax)
		block := scaled[i*blockLen : (i+1)*blockLen]
		floats.ScaleTo(block, scale, feature[i*blockLen:(i+1)*blockLen])
	}

	norm := floats.Norm(scaled, 2)
	if norm == 0 || math.IsNaN(norm) {
		return nil, ErrZeroMagnitude
	}
	floats.Scale(1/norm, scaled)

	return &Result{
		Descriptor: scaled,
		LogW:       eMax + math.Log(norm),
	}, nil
}

// Invert recovers the normalized feature from a descriptor, the secret
// parameters and the magnitude it was produced with. A recovered vector whose
// norm is not 1 means the parameters or the magnitude do not belong to the
// descriptor.
func Invert(descriptor []float64, rp *RandomParams, sp *params.SecurityParams, logW float64) ([]float64, error) {
	if err := CheckDimension(len(descriptor), sp.K); err != nil {
		return nil, err
	}
	if len(rp.U) != sp.K || len(rp.S) != sp.K {
		return nil, fmt.Errorf("random params carry %d/%d blocks, want %d", len(rp.U), len(rp.S), sp.K)
	}

	exps := exponents(rp, sp)
	blockLen := len(descriptor) / sp.K
	feature := make([]float64, len(descriptor))
	for i := 0; i < sp.K; i++ {
		if rp.S[i] == 0 {
			return nil, fmt.Errorf("block %d has no sign", i)
		}
		inv := float64(rp.S[i]) * math.Exp(logW-exps[i])
		floats.ScaleTo(feature[i*blockLen:(i+1)*blockLen], inv, descriptor[i*blockLen:(i+1)*blockLen])
	}

	norm := floats.Norm(feature, 2)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil, ErrZeroMagnitude
	}
	if math.Abs(norm-1) > inversionTolerance {
		return nil, fmt.Errorf("%w: recovered norm %g", ErrMagnitudeMismatch, norm)
	}
	floats.Scale(1/norm, feature)
	return feature, nil
}

func exponents(rp *RandomParams, sp *params.SecurityParams) []float64 {
	exps := make([]float64, sp.K)
	for i, u := range rp.U {
		exps[i] = sp.Exponent(u)
	}
	return exps
}
