package encryption

import "math/big"

// HomomorphicEncryptionScheme defines the interface for additively
// homomorphic encryption of packed enrollment integers
type HomomorphicEncryptionScheme interface {
	// Identity information
	Name() string
	KeySize() int
	Fingerprint() string

	// Core operations
	PlaintextModulus() *big.Int
	Encrypt(value *big.Int) ([]byte, error)
	Decrypt(ciphertext []byte) (*big.Int, error)
	Add(ciphertext1, ciphertext2 []byte) ([]byte, error)

	// Analysis helpers
	CiphertextSize() int
	EstimatedSecurityBits() int
}
