package finding

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Optional holds a value that may be absent. The zero Optional is absent,
// which keeps "not reported" distinct from the zero value of T.
type Optional[T any] struct {
	value T
	set   bool
}

// Some returns a present Optional.
func Some[T any](v T) Optional[T] {
	return Optional[T]{value: v, set: true}
}

// None returns an absent Optional.
func None[T any]() Optional[T] {
	return Optional[T]{}
}

// Get returns the value and whether it is present.
func (o Optional[T]) Get() (T, bool) {
	return o.value, o.set
}

// IsSet reports whether a value is present.
func (o Optional[T]) IsSet() bool {
	return o.set
}

// Or returns the value, or def when absent.
func (o Optional[T]) Or(def T) T {
	if o.set {
		return o.value
	}
	return def
}

// Ptr returns a pointer to a copy of the value, or nil when absent.
func (o Optional[T]) Ptr() *T {
	if !o.set {
		return nil
	}
	v := o.value
	return &v
}

// FromPtr builds an Optional from a nullable pointer.
func FromPtr[T any](p *T) Optional[T] {
	if p == nil {
		return Optional[T]{}
	}
	return Some(*p)
}

// String renders the value, or "-" when absent.
func (o Optional[T]) String() string {
	if !o.set {
		return "-"
	}
	return fmt.Sprint(o.value)
}

// MarshalJSON encodes an absent value as null.
func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.set {
		return []byte("null"), nil
	}
	return json.Marshal(o.value)
}

// UnmarshalJSON decodes null as absent.
func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*o = Optional[T]{}
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = Some(v)
	return nil
}

// Score is an optional CVSS score in the range 0.0-10.0.
type Score = Optional[float64]

// ParseScore parses a CVSS score. Empty text is an absent score; text that is
// not a number in [0, 10] is an error.
func ParseScore(s string) (Score, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Score{}, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Score{}, fmt.Errorf("invalid score %q", s)
	}
	if v < 0 || v > 10 {
		return Score{}, fmt.Errorf("score %q out of range", s)
	}
	return Some(v), nil
}

// FirstScore returns the first present score, or an absent score.
// Callers pass scores in preference order (v4, v3, v2).
func FirstScore(scores ...Score) Score {
	for _, s := range scores {
		if s.IsSet() {
			return s
		}
	}
	return Score{}
}

// ParsePort parses a port number. Empty text is an absent port.
func ParsePort(s string) (Optional[int], error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Optional[int]{}, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 || v > 65535 {
		return Optional[int]{}, fmt.Errorf("invalid port %q", s)
	}
	return Some(v), nil
}

// scanTimeLayouts are the host timestamp layouts scanners emit.
var scanTimeLayouts = []string{
	time.RFC3339,
	"Mon Jan _2 15:04:05 2006",
	"Mon Jan _2 15:04:05 MST 2006",
	"2006-01-02 15:04:05",
}

// ParseTime parses a scanner timestamp. Empty text is absent.
func ParseTime(s string) (Optional[time.Time], error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Optional[time.Time]{}, nil
	}
	for _, layout := range scanTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Some(t.UTC()), nil
		}
	}
	return Optional[time.Time]{}, fmt.Errorf("invalid timestamp %q", s)
}
