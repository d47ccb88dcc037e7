package input

import (
	"errors"
	"fmt"
	"strconv"
)

// Result is the outcome of a start or stop transition
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// OK returns a successful result
func OK() Result {
	return Result{Success: true}
}

// Failf returns a failed result with a formatted message
func Failf(format string, args ...interface{}) Result {
	return Result{Message: fmt.Sprintf(format, args...)}
}

// Err returns nil for a successful result and the message as an error otherwise
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	if r.Message == "" {
		return errors.New("operation failed")
	}
	return errors.New(r.Message)
}

// Settings is the string key/value configuration of a source
type Settings map[string]string

// Clone returns a copy of s
func (s Settings) Clone() Settings {
	out := make(Settings, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// String returns the value for key, or def when unset or empty
func (s Settings) String(key, def string) string {
	if v, ok := s[key]; ok && v != "" {
		return v
	}
	return def
}

// Int returns the integer value for key, or def when unset
func (s Settings) Int(key string, def int) (int, error) {
	v, ok := s[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("setting %s: %w", key, err)
	}
	return n, nil
}

// Float returns the float value for key, or def when unset
func (s Settings) Float(key string, def float64) (float64, error) {
	v, ok := s[key]
	if !ok || v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("setting %s: %w", key, err)
	}
	return f, nil
}

// Bool returns the boolean value for key, or def when unset
func (s Settings) Bool(key string, def bool) (bool, error) {
	v, ok := s[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("setting %s: %w", key, err)
	}
	return b, nil
}

// Equal reports whether s and other hold the same pairs
func (s Settings) Equal(other Settings) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}
