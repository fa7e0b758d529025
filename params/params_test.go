package params

import (
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invisibleface/models"
)

func TestDeriveDefaults(t *testing.T) {
	p, err := Derive(128, 2048)
	require.NoError(t, err)

	// 2^(2048/265 - 2) - 1 = 52.01..., rounded up.
	assert.Equal(t, int64(53), p.L().Int64())
	assert.InDelta(t, 53.0/128, p.M(), 1e-12)
	assert.Equal(t, 128, p.K)
	assert.Equal(t, 2048, p.KeySize)
	assert.True(t, p.L().Cmp(big.NewInt(1)) > 0)
}

func TestDeriveRejectsSmallKeys(t *testing.T) {
	for _, keySize := range []int{512, 600, 256} {
		_, err := Derive(128, keySize)
		var cfgErr *models.ConfigError
		require.ErrorAs(t, err, &cfgErr, "key size %d", keySize)
		assert.Equal(t, "key_size", cfgErr.Field)
	}
}

func TestDeriveRejectsBadInputs(t *testing.T) {
	var cfgErr *models.ConfigError

	_, err := Derive(0, 2048)
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "K", cfgErr.Field)

	_, err = Derive(4, -1)
	require.ErrorAs(t, err, &cfgErr)
}

func TestNewValidates(t *testing.T) {
	_, err := New(4, big.NewInt(1), 1)
	var cfgErr *models.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "L", cfgErr.Field)

	_, err = New(4, big.NewInt(10), 0)
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "M", cfgErr.Field)

	p, err := New(4, big.NewInt(10), 10.0/128)
	require.NoError(t, err)
	assert.Equal(t, 0, p.KeySize)
}

func TestDerivedQuantities(t *testing.T) {
	p, err := New(4, big.NewInt(10), 10.0/128)
	require.NoError(t, err)

	assert.Equal(t, int64(20), p.Bound().Int64())
	assert.Equal(t, int64(40), p.Radix().Int64())

	want := new(big.Int).Lsh(big.NewInt(100000000), 15)
	assert.Equal(t, 0, want.Cmp(p.ScaleConstant()))

	assert.InDelta(t, 128.0, p.LOverM(), 1e-9)
	assert.InDelta(t, -128.0, p.Exponent(big.NewInt(0)), 1e-9)
	assert.InDelta(t, 0.0, p.Exponent(big.NewInt(10)), 1e-12)
	assert.InDelta(t, 8+4*math.Log2(10), p.SecurityBits(), 1e-9)
}

func TestExponentLargeL(t *testing.T) {
	p, err := Derive(4, 4096)
	require.NoError(t, err)

	top := new(big.Int).Sub(p.Bound(), big.NewInt(1))
	e := p.Exponent(top)
	assert.False(t, math.IsInf(e, 0))
	assert.InDelta(t, ScaleDivisor, e, 1e-6)
	assert.InDelta(t, -ScaleDivisor, p.Exponent(big.NewInt(0)), 1e-6)
}

func TestAccessorsReturnCopies(t *testing.T) {
	p, err := New(4, big.NewInt(10), 1)
	require.NoError(t, err)

	l := p.L()
	l.SetInt64(99)
	assert.Equal(t, int64(10), p.L().Int64())
}
