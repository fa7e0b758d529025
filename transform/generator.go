package transform

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
)

// RandomParams are the secret per-record masking values. They are drawn fresh
// for every record and must never be persisted or reused.
type RandomParams struct {
	U []*big.Int
	V []*big.Int
	S []int
}

// NewRandomParams builds params from known U and V, deriving the signs.
func NewRandomParams(u, v []*big.Int) *RandomParams {
	rp := &RandomParams{
		U: u,
		V: v,
		S: make([]int, len(v)),
	}
	for i, vi := range v {
		rp.S[i] = Sign(vi)
	}
	return rp
}

// Sign is +1 when v is even and -1 otherwise.
func Sign(v *big.Int) int {
	if v.Bit(0) == 0 {
		return 1
	}
	return -1
}

// Wipe zeroes the parameters in place.
func (rp *RandomParams) Wipe() {
	for i := range rp.U {
		rp.U[i].SetInt64(0)
	}
	for i := range rp.V {
		rp.V[i].SetInt64(0)
	}
	for i := range rp.S {
		rp.S[i] = 0
	}
}

// Generator draws RandomParams from a cryptographically secure source.
type Generator struct {
	reader io.Reader
	mu     sync.Mutex
	locked bool
}

// NewGenerator returns a Generator reading from r. A nil reader selects
// crypto/rand.Reader; any other reader is serialized so concurrent callers
// never share partial reads.
func NewGenerator(r io.Reader) *Generator {
	if r == nil {
		return &Generator{reader: rand.Reader}
	}
	return &Generator{reader: r, locked: r != rand.Reader}
}

// Generate draws 2K integers uniformly in [0, 2L) and derives the signs from
// the parity of V.
func (g *Generator) Generate(k int, l *big.Int) (*RandomParams, error) {
	if k <= 0 {
		return nil, fmt.Errorf("block count must be positive, got %d", k)
	}
	if l == nil || l.Cmp(big.NewInt(1)) <= 0 {
		return nil, errors.New("range bound L must be greater than 1")
	}
	bound := new(big.Int).Lsh(l, 1)

	if g.locked {
		g.mu.Lock()
		defer g.mu.Unlock()
	}

	u := make([]*big.Int, k)
	v := make([]*big.Int, k)
	for i := 0; i < k; i++ {
		var err error
		if u[i], err = rand.Int(g.reader, bound); err != nil {
			return nil, fmt.Errorf("failed to draw u[%d]: %w", i, err)
		}
	}
	for i := 0; i < k; i++ {
		var err error
		if v[i], err = rand.Int(g.reader, bound); err != nil {
			return nil, fmt.Errorf("failed to draw v[%d]: %w", i, err)
		}
	}
	return NewRandomParams(u, v), nil
}
