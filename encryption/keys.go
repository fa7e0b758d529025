package encryption

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/roasbeef/go-go-gadget-paillier"
	"golang.org/x/crypto/sha3"
)

const paillierSchemeName = "Paillier"

// publicKeyFile is the on-disk form of a Paillier public key
type publicKeyFile struct {
	Scheme string        `json:"scheme"`
	Size   int           `json:"size"`
	N      hexutil.Bytes `json:"n"`
}

// NewPublicKey rebuilds a Paillier public key from its modulus, with g = n+1
func NewPublicKey(n *big.Int) *paillier.PublicKey {
	return &paillier.PublicKey{
		N:        new(big.Int).Set(n),
		G:        new(big.Int).Add(n, big.NewInt(1)),
		NSquared: new(big.Int).Mul(n, n),
	}
}

// LoadPublicKey reads a public key written by SavePublicKey
func LoadPublicKey(path string) (*paillier.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}

	var file publicKeyFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal public key: %w", err)
	}
	if file.Scheme != paillierSchemeName {
		return nil, fmt.Errorf("unsupported key scheme %q", file.Scheme)
	}

	n := new(big.Int).SetBytes(file.N)
	if n.Cmp(big.NewInt(3)) < 0 || n.Bit(0) == 0 {
		return nil, fmt.Errorf("invalid public key modulus")
	}
	if file.Size != 0 && n.BitLen() > file.Size {
		return nil, fmt.Errorf("modulus has %d bits, key file declares %d", n.BitLen(), file.Size)
	}

	return NewPublicKey(n), nil
}

// SavePublicKey writes pub as JSON, atomically
func SavePublicKey(path string, pub *paillier.PublicKey) error {
	data, err := json.MarshalIndent(publicKeyFile{
		Scheme: paillierSchemeName,
		Size:   pub.N.BitLen(),
		N:      pub.N.Bytes(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal public key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save public key: %w", err)
	}
	return nil
}

// Fingerprint is the hex Keccak-256 of the modulus
func Fingerprint(pub *paillier.PublicKey) string {
	d := sha3.NewLegacyKeccak256()
	d.Write(pub.N.Bytes())
	return hexutil.Encode(d.Sum(nil))
}
