package relay

import (
	"encoding/json"
	"sync"
)

// fakeSender captures everything the relay sends to one leg, decoded back
// into field maps for assertions.
type fakeSender struct {
	id string

	mu     sync.Mutex
	events []map[string]any
}

func newFakeSender(id string) *fakeSender {
	return &fakeSender{id: id}
}

func (f *fakeSender) ID() string { return f.id }

func (f *fakeSender) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fields)
	return nil
}

// sent returns a copy of every captured event.
func (f *fakeSender) sent() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, len(f.events))
	copy(out, f.events)
	return out
}

// ofType returns the captured events with the given type field.
func (f *fakeSender) ofType(kind string) []map[string]any {
	var out []map[string]any
	for _, ev := range f.sent() {
		if ev["type"] == kind {
			out = append(out, ev)
		}
	}
	return out
}

// reset discards captured events.
func (f *fakeSender) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = nil
}

// frame marshals a payload map into a raw wire frame for Route.
func frame(fields map[string]any) []byte {
	data, err := json.Marshal(fields)
	if err != nil {
		panic(err)
	}
	return data
}
