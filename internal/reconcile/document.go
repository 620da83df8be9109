package reconcile

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Document is a snapshot of one component's state. Only ComponentID is common to every
// component kind; callers narrow Raw to the fields a given wait cares about.
type Document struct {
	ComponentID string
	Raw         json.RawMessage
}

// Decode unmarshals the raw state into v.
func (d Document) Decode(v any) error {
	if err := json.Unmarshal(d.Raw, v); err != nil {
		return fmt.Errorf("decode state for %s: %w", d.ComponentID, err)
	}
	return nil
}

// ConnectedStreams returns the stream ids of a stream-oriented component.
// A document without the field yields an empty list.
func (d Document) ConnectedStreams() ([]string, error) {
	var streams struct {
		ConnectedStreams []string `json:"connectedStreams"`
	}
	if err := d.Decode(&streams); err != nil {
		return nil, err
	}
	return streams.ConnectedStreams, nil
}

// HasStream reports whether stream is currently connected.
func (d Document) HasStream(stream string) (bool, error) {
	streams, err := d.ConnectedStreams()
	if err != nil {
		return false, err
	}
	return slices.Contains(streams, stream), nil
}
