package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cogentcore.org/core/math32"

	"github.com/trafficsim/viewer/pkg/core"
)

var (
	// ErrMalformedResponse is returned when a response body cannot be decoded
	// or lacks its top-level fields.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrMalformedRecord marks a single snapshot entry that was skipped.
	ErrMalformedRecord = errors.New("malformed record")
)

// positionsKey is the current key of every snapshot list.
const positionsKey = "positions"

// legacyLightsKey is what older servers used for /getLights.
const legacyLightsKey = "Light positions"

// wireRecord is the loosely-shaped server form of one entry. Pointers let us
// tell a missing field from a zero value.
type wireRecord struct {
	ID        *core.ID         `json:"id"`
	X         *float64         `json:"x"`
	Y         *float64         `json:"y"`
	Z         *float64         `json:"z"`
	State     *core.LightState `json:"state"`
	Direction json.RawMessage  `json:"direction"`
}

// Snapshot is the result of parsing one category response.
type Snapshot struct {
	Records []core.Record
	// Skipped holds one ErrMalformedRecord-wrapped error per dropped entry.
	Skipped []error
}

// ParseSnapshot validates a snapshot body for the given category.
// Malformed entries are skipped rather than failing the whole snapshot.
func ParseSnapshot(cat core.Category, body []byte) (Snapshot, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s: %v", ErrMalformedResponse, cat, err)
	}

	raw, ok := top[positionsKey]
	if (!ok || isNull(raw)) && cat == core.CategoryTrafficLight {
		if legacy, found := top[legacyLightsKey]; found {
			raw, ok = legacy, true
		}
	}
	if !ok || isNull(raw) {
		return Snapshot{}, fmt.Errorf("%w: %s: missing %q", ErrMalformedResponse, cat, positionsKey)
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s: positions is not a list: %v", ErrMalformedResponse, cat, err)
	}

	snap := Snapshot{Records: make([]core.Record, 0, len(entries))}
	for i, entry := range entries {
		rec, err := parseRecord(cat, entry)
		if err != nil {
			snap.Skipped = append(snap.Skipped, fmt.Errorf("%w: %s[%d]: %v", ErrMalformedRecord, cat, i, err))
			continue
		}
		snap.Records = append(snap.Records, rec)
	}
	return snap, nil
}

func parseRecord(cat core.Category, entry json.RawMessage) (core.Record, error) {
	var w wireRecord
	if err := json.Unmarshal(entry, &w); err != nil {
		return core.Record{}, err
	}
	if w.ID == nil || *w.ID == "" {
		return core.Record{}, errors.New("missing id")
	}
	if w.X == nil || w.Y == nil || w.Z == nil {
		return core.Record{}, fmt.Errorf("id %s: missing coordinate", *w.ID)
	}

	rec := core.Record{
		ID:       *w.ID,
		Position: math32.Vec3(float32(*w.X), float32(*w.Y), float32(*w.Z)),
	}

	switch cat {
	case core.CategoryTrafficLight:
		rec.State = w.State
	case core.CategoryRoad:
		if len(w.Direction) > 0 && !isNull(w.Direction) {
			dir, err := ParseDirection(w.Direction)
			if err != nil {
				return core.Record{}, fmt.Errorf("id %s: %v", *w.ID, err)
			}
			rec.Direction = &dir
		}
	}
	return rec, nil
}

// ParseDirection decodes a road direction given either as a [dx, dy] pair or
// as one of the names Right, Left, Up, Down.
func ParseDirection(raw json.RawMessage) ([2]int, error) {
	var pair []float64
	if err := json.Unmarshal(raw, &pair); err == nil {
		if len(pair) != 2 {
			return [2]int{}, fmt.Errorf("direction must have 2 components, got %d", len(pair))
		}
		return [2]int{int(pair[0]), int(pair[1])}, nil
	}

	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return [2]int{}, fmt.Errorf("direction must be a pair or a name")
	}
	switch strings.ToLower(name) {
	case "right":
		return [2]int{1, 0}, nil
	case "left":
		return [2]int{-1, 0}, nil
	case "up":
		return [2]int{0, 1}, nil
	case "down":
		return [2]int{0, -1}, nil
	}
	return [2]int{}, fmt.Errorf("unknown direction %q", name)
}

// ParseStats decodes a /getStats body.
func ParseStats(body []byte) (core.Stats, error) {
	var w struct {
		InGrid             *int `json:"in_grid"`
		ReachedDestination *int `json:"reached_destination"`
	}
	if err := json.Unmarshal(body, &w); err != nil {
		return core.Stats{}, fmt.Errorf("%w: stats: %v", ErrMalformedResponse, err)
	}
	if w.InGrid == nil || w.ReachedDestination == nil {
		return core.Stats{}, fmt.Errorf("%w: stats: missing in_grid or reached_destination", ErrMalformedResponse)
	}
	return core.Stats{InGrid: *w.InGrid, ReachedDestination: *w.ReachedDestination}, nil
}

// ParseMessage extracts the optional "message" field of an ack body.
// An empty or non-JSON body yields an empty message.
func ParseMessage(body []byte) string {
	var w struct {
		Message string `json:"message"`
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return ""
	}
	if err := json.Unmarshal(body, &w); err != nil {
		return ""
	}
	return w.Message
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
