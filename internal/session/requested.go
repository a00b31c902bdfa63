// ABOUTME: Tri-state session_id request field distinguishing omitted, null, empty and a value
// ABOUTME: JSON decoding leaves omitted fields untouched, which is what makes the states distinct

package session

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Requested is the caller's session_id. The zero value means the field was omitted.
type Requested struct {
	present bool
	null    bool
	value   string
}

// Omitted is the zero Requested: resume the current binding if there is one
func Omitted() Requested { return Requested{} }

// Null is an explicit null: fork a new session
func Null() Requested { return Requested{present: true, null: true} }

// ID requests a specific session. ID("") is the empty-string fork sentinel.
func ID(id string) Requested { return Requested{present: true, value: id} }

// IsOmitted reports whether the caller left the field out
func (r Requested) IsOmitted() bool { return !r.present }

// Fork reports whether the caller asked for a fresh session (null or "")
func (r Requested) Fork() bool { return r.present && (r.null || r.value == "") }

// Value returns the explicit session ID, or "" when none was given
func (r Requested) Value() string { return r.value }

// UnmarshalJSON accepts a string or null
func (r *Requested) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*r = Null()
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("session_id must be a string or null: %w", err)
	}
	*r = ID(s)
	return nil
}

// MarshalJSON writes null for omitted and null requests
func (r Requested) MarshalJSON() ([]byte, error) {
	if !r.present || r.null {
		return []byte("null"), nil
	}
	return json.Marshal(r.value)
}

func (r Requested) String() string {
	switch {
	case !r.present:
		return "omitted"
	case r.null:
		return "null"
	case r.value == "":
		return `""`
	}
	return r.value
}
