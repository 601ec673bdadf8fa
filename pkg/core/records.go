package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"cogentcore.org/core/math32"
)

// ID is a server-assigned identifier, unique within its category.
// The server sends numbers for vehicles and strings for static cells.
type ID string

// UnmarshalJSON accepts either a JSON string or a JSON number.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("id is null")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// LightState is the two-valued traffic light state.
type LightState int

const (
	LightStop LightState = iota
	LightGo
)

func (s LightState) String() string {
	if s == LightGo {
		return "go"
	}
	return "stop"
}

// MarshalJSON encodes the state as the server's boolean form.
func (s LightState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s == LightGo)
}

// UnmarshalJSON accepts booleans, 0/1, and the strings go/green/stop/red.
func (s *LightState) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case bool:
		*s = stateFromBool(v)
	case float64:
		*s = stateFromBool(v != 0)
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "go", "green", "true", "1":
			*s = LightGo
		case "stop", "red", "false", "0":
			*s = LightStop
		default:
			return fmt.Errorf("unknown light state %q", v)
		}
	default:
		return fmt.Errorf("unsupported light state %s", strconv.Quote(string(data)))
	}
	return nil
}

func stateFromBool(b bool) LightState {
	if b {
		return LightGo
	}
	return LightStop
}

// Record is one validated snapshot entry. Optional fields are nil when the
// server did not send them, so an upsert only touches what arrived.
type Record struct {
	ID        ID
	Position  math32.Vector3
	State     *LightState
	Direction *[2]int
}

// Stats mirrors /getStats. It is display-only.
type Stats struct {
	InGrid             int `json:"in_grid"`
	ReachedDestination int `json:"reached_destination"`
}
