package models

import "fmt"

// Reasons carried by EncryptionRangeError.
const (
	ReasonPlaintextModulus  = "plaintext modulus"
	ReasonDigitBandOverflow = "digit band overflow"
)

// ConfigError reports configuration that cannot produce usable security parameters.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// FeatureParseError reports a malformed line in a feature file. Line is 1-based.
type FeatureParseError struct {
	Line   int
	Reason string
	Err    error
}

func (e *FeatureParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("feature line %d: %s: %v", e.Line, e.Reason, e.Err)
	}
	return fmt.Sprintf("feature line %d: %s", e.Line, e.Reason)
}

func (e *FeatureParseError) Unwrap() error {
	return e.Err
}

// DimensionError reports a feature whose length is zero or not a multiple of
// the block count. Index is -1 when the feature is not part of a batch.
type DimensionError struct {
	Index  int
	Length int
	Blocks int
}

func (e *DimensionError) Error() string {
	if e.Length == 0 {
		return fmt.Sprintf("feature %d: empty feature vector", e.Index)
	}
	return fmt.Sprintf("feature %d: length %d is not divisible by block count %d", e.Index, e.Length, e.Blocks)
}

// InvalidFeatureError reports a feature that cannot be transformed: a zero
// vector or one with non-finite components. Index is -1 outside a batch.
type InvalidFeatureError struct {
	Index  int
	Reason string
}

func (e *InvalidFeatureError) Error() string {
	return fmt.Sprintf("feature %d: %s", e.Index, e.Reason)
}

// EncryptionRangeError reports a value that cannot be packed or encrypted
// without wrapping. Bits and Limit are bit lengths of the offending value and
// the bound it exceeded, when known.
type EncryptionRangeError struct {
	Index  int
	Reason string
	Bits   int
	Limit  int
}

func (e *EncryptionRangeError) Error() string {
	if e.Limit > 0 {
		return fmt.Sprintf("record %d: %s exceeded (%d bits, limit %d bits)", e.Index, e.Reason, e.Bits, e.Limit)
	}
	return fmt.Sprintf("record %d: %s exceeded", e.Index, e.Reason)
}
