// Package packing encodes the secret parameters of a record and its quantized
// magnitude into a single integer, using three digit bands of radix R = 4L.
//
// From least to most significant: the K digits of u, the K digits of v, and
// the quantized magnitude w. Within a band digit i carries weight R^(K-1-i).
package packing

import (
	"fmt"
	"math"
	"math/big"

	"invisibleface/models"
	"invisibleface/params"
)

// bandSlack tolerates float rounding at the edges of the magnitude band.
const bandSlack = 1e-9

// Quantize maps ln(W) from [-L/M, L/M] onto [0, S]:
// w = round((ln(W) + L/M) / (2L/M) * S).
func Quantize(logW float64, sp *params.SecurityParams) (*big.Int, error) {
	half := sp.LOverM()
	frac := (logW + half) / (2 * half)
	if math.IsNaN(frac) || frac < -bandSlack || frac > 1+bandSlack {
		return nil, &models.EncryptionRangeError{Index: -1, Reason: models.ReasonDigitBandOverflow}
	}
	frac = math.Min(math.Max(frac, 0), 1)

	s := sp.ScaleConstant()
	prec := uint(s.BitLen() + 64)
	f := new(big.Float).SetPrec(prec).SetFloat64(frac)
	f.Mul(f, new(big.Float).SetPrec(prec).SetInt(s))
	f.Add(f, big.NewFloat(0.5))
	w, _ := f.Int(nil)
	return w, nil
}

// Dequantize is the inverse of Quantize up to the quantization step.
func Dequantize(w *big.Int, sp *params.SecurityParams) float64 {
	s := sp.ScaleConstant()
	prec := uint(s.BitLen() + 64)
	f := new(big.Float).SetPrec(prec).SetInt(w)
	f.Quo(f, new(big.Float).SetPrec(prec).SetInt(s))
	frac, _ := f.Float64()
	half := sp.LOverM()
	return frac*2*half - half
}

// Pack encodes u, v and w. Every digit must lie in [0, R) and w in [0, S];
// anything else would spill into a neighbouring band and is rejected with an
// EncryptionRangeError.
func Pack(u, v []*big.Int, w *big.Int, sp *params.SecurityParams) (*big.Int, error) {
	if len(u) != sp.K || len(v) != sp.K {
		return nil, fmt.Errorf("got %d u digits and %d v digits, want %d", len(u), len(v), sp.K)
	}
	r := sp.Radix()
	for i := 0; i < sp.K; i++ {
		if err := checkDigit(u[i], r); err != nil {
			return nil, fmt.Errorf("u[%d]: %w", i, err)
		}
		if err := checkDigit(v[i], r); err != nil {
			return nil, fmt.Errorf("v[%d]: %w", i, err)
		}
	}
	if w == nil || w.Sign() < 0 || w.Cmp(sp.ScaleConstant()) > 0 {
		return nil, fmt.Errorf("w: %w", overflow(w, sp.ScaleConstant()))
	}

	// Horner evaluation, most significant digit first.
	acc := new(big.Int).Set(w)
	for _, d := range v {
		acc.Mul(acc, r)
		acc.Add(acc, d)
	}
	for _, d := range u {
		acc.Mul(acc, r)
		acc.Add(acc, d)
	}
	return acc, nil
}

// Unpack reverses Pack: it extracts w, then v, then u.
func Unpack(packed *big.Int, sp *params.SecurityParams) (u, v []*big.Int, w *big.Int, err error) {
	if packed == nil || packed.Sign() < 0 {
		return nil, nil, nil, fmt.Errorf("packed value must be non-negative")
	}
	r := sp.Radix()
	band := new(big.Int).Exp(r, big.NewInt(int64(sp.K)), nil)
	twoBands := new(big.Int).Mul(band, band)

	w, rest := new(big.Int).QuoRem(packed, twoBands, new(big.Int))
	vBand, uBand := new(big.Int).QuoRem(rest, band, new(big.Int))

	return digits(uBand, r, sp.K), digits(vBand, r, sp.K), w, nil
}

// MaxPacked returns the largest value Pack can produce for sp.
func MaxPacked(sp *params.SecurityParams) *big.Int {
	top := new(big.Int).Sub(sp.Bound(), big.NewInt(1))
	u := make([]*big.Int, sp.K)
	for i := range u {
		u[i] = top
	}
	packed, err := Pack(u, u, sp.ScaleConstant(), sp)
	if err != nil {
		panic(fmt.Sprintf("packing: worst case rejected: %v", err))
	}
	return packed
}

// digits splits x into k base-r digits, most significant first.
func digits(x, r *big.Int, k int) []*big.Int {
	out := make([]*big.Int, k)
	rest := new(big.Int).Set(x)
	for i := k - 1; i >= 0; i-- {
		d := new(big.Int)
		rest.QuoRem(rest, r, d)
		out[i] = d
	}
	return out
}

func checkDigit(d, r *big.Int) error {
	if d == nil || d.Sign() < 0 || d.Cmp(r) >= 0 {
		return overflow(d, r)
	}
	return nil
}

func overflow(x, limit *big.Int) error {
	bits := 0
	if x != nil {
		bits = x.BitLen()
	}
	return &models.EncryptionRangeError{
		Index:  -1,
		Reason: models.ReasonDigitBandOverflow,
		Bits:   bits,
		Limit:  limit.BitLen(),
	}
}
