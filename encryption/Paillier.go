package encryption

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/roasbeef/go-go-gadget-paillier"

	"invisibleface/models"
)

// PaillierAdapter adapts the Paillier implementation to the HomomorphicEncryptionScheme interface.
// An adapter built from a public key only can encrypt and add but not decrypt.
type PaillierAdapter struct {
	keySize    int
	privateKey *paillier.PrivateKey
	publicKey  *paillier.PublicKey
}

var _ HomomorphicEncryptionScheme = (*PaillierAdapter)(nil)

// NewPaillierAdapter creates a new adapter for the Paillier scheme. When publicKey is nil it is
// taken from privateKey; a zero keySize is taken from the modulus.
func NewPaillierAdapter(keySize int, privateKey *paillier.PrivateKey, publicKey *paillier.PublicKey) *PaillierAdapter {
	if publicKey == nil && privateKey != nil {
		publicKey = &privateKey.PublicKey
	}
	if keySize == 0 && publicKey != nil {
		keySize = publicKey.N.BitLen()
	}
	return &PaillierAdapter{
		keySize:    keySize,
		privateKey: privateKey,
		publicKey:  publicKey,
	}
}

// Initialize generates a fresh key pair of the configured size
func (p *PaillierAdapter) Initialize() error {
	var err error
	p.privateKey, err = paillier.GenerateKey(rand.Reader, p.keySize)
	if err != nil {
		return fmt.Errorf("failed to generate Paillier key: %v", err)
	}
	p.publicKey = &p.privateKey.PublicKey
	return nil
}

// Name returns the name of the encryption scheme
func (p *PaillierAdapter) Name() string {
	return fmt.Sprintf("Paillier-%d", p.keySize)
}

// KeySize returns the key size in bits
func (p *PaillierAdapter) KeySize() int {
	return p.keySize
}

// PlaintextModulus returns N. Values at or above N cannot be encrypted without wrapping.
func (p *PaillierAdapter) PlaintextModulus() *big.Int {
	if p.publicKey == nil {
		return nil
	}
	return new(big.Int).Set(p.publicKey.N)
}

// Fingerprint identifies the public key. It is empty when no key is set.
func (p *PaillierAdapter) Fingerprint() string {
	if p.publicKey == nil {
		return ""
	}
	return Fingerprint(p.publicKey)
}

// Encrypt encrypts a value in [0, N). Anything outside that range is reported as an
// EncryptionRangeError instead of being reduced modulo N.
func (p *PaillierAdapter) Encrypt(value *big.Int) ([]byte, error) {
	if p.publicKey == nil {
		return nil, fmt.Errorf("public key not set")
	}
	if value == nil {
		return nil, fmt.Errorf("value is nil")
	}
	if value.Sign() < 0 || value.Cmp(p.publicKey.N) >= 0 {
		return nil, &models.EncryptionRangeError{
			Index:  -1,
			Reason: models.ReasonPlaintextModulus,
			Bits:   value.BitLen(),
			Limit:  p.publicKey.N.BitLen(),
		}
	}

	return paillier.Encrypt(p.publicKey, value.Bytes())
}

// Decrypt decrypts a ciphertext back to its big.Int value
func (p *PaillierAdapter) Decrypt(ciphertext []byte) (*big.Int, error) {
	if p == nil {
		return nil, fmt.Errorf("PaillierAdapter is nil")
	}

	if p.privateKey == nil {
		return nil, fmt.Errorf("private key not set")
	}

	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("ciphertext is empty")
	}

	plaintext, err := paillier.Decrypt(p.privateKey, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	return new(big.Int).SetBytes(plaintext), nil
}

// Add performs homomorphic addition of two ciphertexts. The result decrypts to the sum of the
// plaintexts modulo N.
func (p *PaillierAdapter) Add(ciphertext1, ciphertext2 []byte) ([]byte, error) {
	if p.publicKey == nil {
		return nil, fmt.Errorf("public key not set")
	}
	if len(ciphertext1) == 0 || len(ciphertext2) == 0 {
		return nil, fmt.Errorf("ciphertext is empty")
	}

	return paillier.AddCipher(p.publicKey, ciphertext1, ciphertext2), nil
}

// CiphertextSize returns the maximum size in bytes of a ciphertext
func (p *PaillierAdapter) CiphertextSize() int {
	// Ciphertexts live modulo N^2
	return (p.keySize*2 + 7) / 8
}

// EstimatedSecurityBits returns an estimate of the security level in bits
func (p *PaillierAdapter) EstimatedSecurityBits() int {
	// Security estimates based on NIST recommendations
	switch p.keySize {
	case 1024:
		return 80
	case 2048:
		return 112
	case 3072:
		return 128
	case 4096:
		return 152
	default:
		return p.keySize / 20 // Rough estimate
	}
}

// GetPublicKey returns the underlying public key
func (p *PaillierAdapter) GetPublicKey() *paillier.PublicKey {
	return p.publicKey
}

// HasPrivateKey reports whether the adapter can decrypt
func (p *PaillierAdapter) HasPrivateKey() bool {
	return p.privateKey != nil
}
