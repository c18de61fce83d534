package effects

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownPreset is returned for an unrecognized category or preset key.
	ErrUnknownPreset = errors.New("unknown preset")
	// ErrInvalidParameter is returned when an override falls outside its allowed range.
	ErrInvalidParameter = errors.New("invalid parameter")
)

// PresetError names the category/key pair that failed to resolve.
type PresetError struct {
	Category string
	Key      string
}

func (e *PresetError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("unknown effect category %q", e.Category)
	}
	return fmt.Sprintf("unknown preset %q for category %q", e.Key, e.Category)
}

func (e *PresetError) Unwrap() error { return ErrUnknownPreset }

// ParameterError names the offending parameter and value.
type ParameterError struct {
	Category string
	Param    string
	Value    interface{}
	Reason   string
}

func (e *ParameterError) Error() string {
	if e.Param == "" {
		return fmt.Sprintf("invalid parameters for %s: %s", e.Category, e.Reason)
	}
	if e.Value == nil {
		return fmt.Sprintf("invalid %s.%s: %s", e.Category, e.Param, e.Reason)
	}
	return fmt.Sprintf("invalid %s.%s=%s: %s", e.Category, e.Param, describe(e.Value), e.Reason)
}

func (e *ParameterError) Unwrap() error { return ErrInvalidParameter }
