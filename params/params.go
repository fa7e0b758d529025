// Package params derives and validates the security parameters shared by the
// transform, the packer and the pipeline.
package params

import (
	"fmt"
	"math"
	"math/big"

	"invisibleface/models"
)

const (
	// ScaleDivisor relates M to L: M = L / ScaleDivisor. It bounds the block
	// scale exponents to [-ScaleDivisor, ScaleDivisor).
	ScaleDivisor = 128

	// quantizationShift and quantizationPower define S = 2^15 * L^8.
	quantizationShift = 15
	quantizationPower = 8
)

// SecurityParams is immutable once built.
type SecurityParams struct {
	K       int
	KeySize int
	l       *big.Int
	m       float64
}

// Derive computes L = ceil(2^(keySize/(2K+9) - 2) - 1) and M = L/128 for a
// block count and a key size in bits.
func Derive(k, keySize int) (*SecurityParams, error) {
	if k <= 0 {
		return nil, &models.ConfigError{Field: "K", Reason: fmt.Sprintf("block count must be positive, got %d", k)}
	}
	if keySize <= 0 {
		return nil, &models.ConfigError{Field: "key_size", Reason: fmt.Sprintf("key size must be positive, got %d", keySize)}
	}

	exponent := float64(keySize)/float64(2*k+9) - 2
	lf := math.Ceil(math.Pow(2, exponent) - 1)
	if math.IsInf(lf, 0) || math.IsNaN(lf) {
		return nil, &models.ConfigError{Field: "key_size", Reason: "derived L is not finite"}
	}
	if lf <= 1 {
		return nil, &models.ConfigError{
			Field:  "key_size",
			Reason: fmt.Sprintf("derived L=%g must be greater than 1 (K=%d, key_size=%d)", lf, k, keySize),
		}
	}

	l, _ := new(big.Float).SetFloat64(lf).Int(nil)
	return &SecurityParams{
		K:       k,
		KeySize: keySize,
		l:       l,
		m:       lf / ScaleDivisor,
	}, nil
}

// New builds parameters from explicit values. KeySize is left at zero.
func New(k int, l *big.Int, m float64) (*SecurityParams, error) {
	if k <= 0 {
		return nil, &models.ConfigError{Field: "K", Reason: fmt.Sprintf("block count must be positive, got %d", k)}
	}
	if l == nil || l.Cmp(big.NewInt(1)) <= 0 {
		return nil, &models.ConfigError{Field: "L", Reason: "L must be greater than 1"}
	}
	if !(m > 0) || math.IsInf(m, 0) {
		return nil, &models.ConfigError{Field: "M", Reason: fmt.Sprintf("M must be positive and finite, got %g", m)}
	}
	return &SecurityParams{K: k, l: new(big.Int).Set(l), m: m}, nil
}

// L returns a copy of the integer range bound.
func (p *SecurityParams) L() *big.Int {
	return new(big.Int).Set(p.l)
}

func (p *SecurityParams) M() float64 {
	return p.m
}

// Bound returns 2L, the exclusive upper bound of the random parameters.
func (p *SecurityParams) Bound() *big.Int {
	return new(big.Int).Lsh(p.l, 1)
}

// Radix returns R = 4L, the digit base of the packed integer.
func (p *SecurityParams) Radix() *big.Int {
	return new(big.Int).Lsh(p.l, 2)
}

// ScaleConstant returns S = 2^15 * L^8, the quantization scale of log(W).
func (p *SecurityParams) ScaleConstant() *big.Int {
	s := new(big.Int).Exp(p.l, big.NewInt(quantizationPower), nil)
	return s.Lsh(s, quantizationShift)
}

// LOverM returns L/M, the half width of the log-magnitude band.
func (p *SecurityParams) LOverM() float64 {
	lf, _ := new(big.Float).SetInt(p.l).Float64()
	return lf / p.m
}

// Exponent returns (u - L) / M evaluated in extended precision.
func (p *SecurityParams) Exponent(u *big.Int) float64 {
	prec := uint(p.l.BitLen() + 64)
	d := new(big.Float).SetPrec(prec).SetInt(new(big.Int).Sub(u, p.l))
	d.Quo(d, new(big.Float).SetPrec(prec).SetFloat64(p.m))
	e, _ := d.Float64()
	return e
}

// SecurityBits returns 2K + K*log2(L).
func (p *SecurityParams) SecurityBits() float64 {
	lf, _ := new(big.Float).SetInt(p.l).Float64()
	return 2*float64(p.K) + float64(p.K)*math.Log2(lf)
}

func (p *SecurityParams) String() string {
	return fmt.Sprintf("K=%d L=%s M=%g", p.K, p.l.String(), p.m)
}
