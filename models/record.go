package models

import (
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// EnrollmentRecord is the persisted output for one feature: the public
// descriptor and the encrypted packed secret. Records are never modified
// after they are produced.
type EnrollmentRecord struct {
	Index      int           `json:"index"`
	Descriptor []float64     `json:"descriptor"`
	Ciphertext hexutil.Bytes `json:"ciphertext"`
}

// RecordTiming holds the two profiled stages of one enrollment.
type RecordTiming struct {
	Transform time.Duration `json:"transform_ns"`
	Encrypt   time.Duration `json:"encrypt_ns"`
}

type RecordFailure struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// RunReport summarizes a batch enrollment.
type RunReport struct {
	RunID          string          `json:"run_id"`
	Requested      int             `json:"requested"`
	Enrolled       int             `json:"enrolled"`
	Failures       []RecordFailure `json:"failures,omitempty"`
	TransformTotal time.Duration   `json:"transform_total_ns"`
	EncryptTotal   time.Duration   `json:"encrypt_total_ns"`
	Elapsed        time.Duration   `json:"elapsed_ns"`
	Canceled       bool            `json:"canceled"`
}

// Manifest is written next to the records of a run so a reader knows which
// parameters and key produced them.
type Manifest struct {
	RunID          string    `json:"run_id"`
	CreatedAt      time.Time `json:"created_at"`
	Blocks         int       `json:"k"`
	KeySize        int       `json:"key_size"`
	L              string    `json:"l"`
	M              float64   `json:"m"`
	SecurityBits   float64   `json:"security_bits"`
	KeyFingerprint string    `json:"key_fingerprint"`
	Report         RunReport `json:"report"`
}
