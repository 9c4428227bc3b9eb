package model

import "strings"

// Format selects the wire encoding of a command
type Format string

const (
	FormatJSON    Format = "json"
	FormatBinary  Format = "binary"
	FormatArduino Format = "arduino"
	FormatCustom  Format = "custom"
)

// ChecksumAlgorithm selects the integrity value appended to a payload
type ChecksumAlgorithm string

const (
	ChecksumNone  ChecksumAlgorithm = ""
	ChecksumCRC8  ChecksumAlgorithm = "crc8"
	ChecksumCRC32 ChecksumAlgorithm = "crc32"
	ChecksumXOR   ChecksumAlgorithm = "xor"
	ChecksumMD5   ChecksumAlgorithm = "md5"
)

// SerializationConfig describes how one device type expects its commands
type SerializationConfig struct {
	Format          Format            `json:"format" yaml:"format"`
	Encoding        string            `json:"encoding" yaml:"encoding"`
	IncludeChecksum bool              `json:"include_checksum" yaml:"include_checksum"`
	Checksum        ChecksumAlgorithm `json:"checksum,omitempty" yaml:"checksum"`
	Options         map[string]string `json:"options,omitempty" yaml:"options"`
}

// DefaultSerializationConfig is used for unknown device types
func DefaultSerializationConfig() SerializationConfig {
	return SerializationConfig{
		Format:   FormatJSON,
		Encoding: "utf-8",
	}
}

// Option returns the named option or def when unset
func (c SerializationConfig) Option(name, def string) string {
	if v, ok := c.Options[name]; ok {
		return v
	}
	return def
}

// ValidationResult collects the outcome of pre-transmission checks
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// NewValidationResult returns a valid, empty result
func NewValidationResult() *ValidationResult {
	return &ValidationResult{Valid: true}
}

// AddError records a hard failure
func (v *ValidationResult) AddError(msg string) {
	v.Valid = false
	v.Errors = append(v.Errors, msg)
}

// AddWarning records a non-fatal observation
func (v *ValidationResult) AddWarning(msg string) {
	v.Warnings = append(v.Warnings, msg)
}

// Merge folds other into v
func (v *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	if !other.Valid {
		v.Valid = false
	}
	v.Errors = append(v.Errors, other.Errors...)
	v.Warnings = append(v.Warnings, other.Warnings...)
}

// Error joins the error list into one message
func (v *ValidationResult) Error() string {
	return strings.Join(v.Errors, "; ")
}
