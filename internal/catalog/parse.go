package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var operationalWords = map[string]bool{
	"on":          true,
	"online":      true,
	"active":      true,
	"operational": true,
	"available":   true,
}

// Parse normalizes a catalog document into backends. Accepted shapes are an
// object with a "devices" (or "backends") array and a bare array. Elements
// may be plain names or objects.
func Parse(raw []byte) ([]Backend, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("empty catalog response")
	}

	var elems []json.RawMessage
	switch raw[0] {
	case '[':
		if err := json.Unmarshal(raw, &elems); err != nil {
			return nil, fmt.Errorf("malformed catalog array: %w", err)
		}
	case '{':
		var doc struct {
			Devices  []json.RawMessage `json:"devices"`
			Backends []json.RawMessage `json:"backends"`
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("malformed catalog object: %w", err)
		}
		elems = doc.Devices
		if elems == nil {
			elems = doc.Backends
		}
	default:
		return nil, fmt.Errorf("unexpected catalog shape starting with %q", raw[0])
	}

	backends := make([]Backend, 0, len(elems))
	for _, e := range elems {
		b, ok := parseElement(e)
		if ok {
			backends = append(backends, b)
		}
	}
	return backends, nil
}

type rawBackend struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	BackendName string `json:"backend_name"`
	DisplayName string `json:"displayName"`
	Display     string `json:"display_name"`

	Operational *bool           `json:"operational"`
	State       *bool           `json:"state"`
	Status      json.RawMessage `json:"status"`

	QueueDepth  *int `json:"queueDepth"`
	PendingJobs *int `json:"pending_jobs"`
	LengthQueue *int `json:"length_queue"`
	QueueLength *int `json:"queue_length"`
}

func parseElement(e json.RawMessage) (Backend, bool) {
	var name string
	if err := json.Unmarshal(e, &name); err == nil {
		name = strings.TrimSpace(name)
		return Backend{ID: name, DisplayName: name, Operational: true}, name != ""
	}

	var r rawBackend
	if err := json.Unmarshal(e, &r); err != nil {
		return Backend{}, false
	}

	id := firstNonEmpty(r.ID, r.BackendName, r.Name)
	if id == "" {
		return Backend{}, false
	}
	return Backend{
		ID:          id,
		DisplayName: firstNonEmpty(r.DisplayName, r.Display, r.Name, id),
		Operational: r.operational(),
		QueueDepth:  firstInt(r.QueueDepth, r.PendingJobs, r.LengthQueue, r.QueueLength),
	}, true
}

// operational reads the first status signal present. Listed backends with
// no signal at all count as operational.
func (r *rawBackend) operational() bool {
	if r.Operational != nil {
		return *r.Operational
	}
	if r.State != nil {
		return *r.State
	}
	if len(r.Status) == 0 || string(r.Status) == "null" {
		return true
	}

	var asBool bool
	if err := json.Unmarshal(r.Status, &asBool); err == nil {
		return asBool
	}
	var asString string
	if err := json.Unmarshal(r.Status, &asString); err == nil {
		return operationalWords[strings.ToLower(strings.TrimSpace(asString))]
	}
	var asObject struct {
		Name  string `json:"name"`
		State *bool  `json:"state"`
	}
	if err := json.Unmarshal(r.Status, &asObject); err == nil {
		if asObject.State != nil {
			return *asObject.State
		}
		return operationalWords[strings.ToLower(asObject.Name)]
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func firstInt(values ...*int) *int {
	for _, v := range values {
		if v != nil {
			n := *v
			return &n
		}
	}
	return nil
}
