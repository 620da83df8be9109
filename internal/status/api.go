package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrComponentNotFound is returned by Component when the id is not in the live topology.
var ErrComponentNotFound = errors.New("component not found")

// Env is the /env payload.
type Env struct {
	RegisteredComponents []string `json:"registeredComponents"`
}

// ComponentSummary is one entry of the live components list.
type ComponentSummary struct {
	ComponentID string `json:"componentId"`
}

// ComponentList is the /live/api/components payload.
type ComponentList struct {
	Components      []ComponentSummary `json:"components"`
	TotalComponents int                `json:"totalComponents"`
}

// IDs returns the component ids in list order.
func (l ComponentList) IDs() []string {
	ids := make([]string, 0, len(l.Components))
	for _, component := range l.Components {
		ids = append(ids, component.ComponentID)
	}
	return ids
}

// Component is a live component together with its current state document.
type Component struct {
	ComponentID string
	State       json.RawMessage
}

// Env fetches the registered component types.
func (c *Client) Env(ctx context.Context) (*Env, error) {
	var env Env
	if err := c.getJSON(ctx, PathEnv, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Components fetches the running workflow topology. A 503 means no workflow is running yet.
func (c *Client) Components(ctx context.Context) (*ComponentList, error) {
	var list ComponentList
	if err := c.getJSON(ctx, PathComponents, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// ComponentState fetches the raw state document of one component.
func (c *Client) ComponentState(ctx context.Context, componentID string) (json.RawMessage, error) {
	componentID = strings.TrimSpace(componentID)
	if componentID == "" {
		return nil, errors.New("component id is required")
	}
	res, err := c.Get(ctx, StatePath(componentID))
	if err != nil {
		return nil, err
	}
	if !json.Valid(res.Body) {
		return nil, fmt.Errorf("decode state for %s: invalid json", componentID)
	}
	return json.RawMessage(res.Body), nil
}

// Component looks the id up in the live topology and fetches its state.
func (c *Client) Component(ctx context.Context, componentID string) (*Component, error) {
	list, err := c.Components(ctx)
	if err != nil {
		return nil, err
	}
	for _, summary := range list.Components {
		if summary.ComponentID != componentID {
			continue
		}
		state, err := c.ComponentState(ctx, componentID)
		if err != nil {
			return nil, err
		}
		return &Component{ComponentID: componentID, State: state}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrComponentNotFound, componentID)
}
