// Package event defines domain events and the registry that maps them to and
// from their stored form.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/example/eventcore/internal/infrastructure/store"
)

// Event is a domain event. Implementations are plain value types; each module
// seals its own set behind a module-level interface.
type Event interface {
	EventName() string
}

var ErrUnknownEvent = errors.New("unknown event")

// Upcaster rewrites a payload from one schema version to the next.
type Upcaster func(payload []byte) ([]byte, error)

type codec struct {
	schemaVersion int
	decode        func([]byte) (Event, error)
}

// Registry maps event names to concrete types and schema versions.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	codecs    map[string]codec
	upcasters map[string]map[int]Upcaster
}

func NewRegistry() *Registry {
	return &Registry{
		codecs:    make(map[string]codec),
		upcasters: make(map[string]map[int]Upcaster),
	}
}

// Register makes E decodable under its EventName at the given schema
// version, which is also the version new payloads are written with.
func Register[E Event](r *Registry, schemaVersion int) {
	var zero E
	name := zero.EventName()
	if schemaVersion < 1 {
		schemaVersion = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[name] = codec{
		schemaVersion: schemaVersion,
		decode: func(payload []byte) (Event, error) {
			var e E
			if err := json.Unmarshal(payload, &e); err != nil {
				return nil, err
			}
			return e, nil
		},
	}
}

// Upcast registers fn to lift payloads of name from schema version from to
// from+1.
func (r *Registry) Upcast(name string, from int, fn Upcaster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.upcasters[name] == nil {
		r.upcasters[name] = make(map[int]Upcaster)
	}
	r.upcasters[name][from] = fn
}

// Knows reports whether name is registered.
func (r *Registry) Knows(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.codecs[name]
	return ok
}

// Names returns the registered event names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.codecs))
	for name := range r.codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Encode returns the stored form of e.
func (r *Registry) Encode(e Event) (store.NewEvent, error) {
	name := e.EventName()
	r.mu.RLock()
	c, ok := r.codecs[name]
	r.mu.RUnlock()
	if !ok {
		return store.NewEvent{}, fmt.Errorf("%w: %w %q", store.ErrSerialization, ErrUnknownEvent, name)
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return store.NewEvent{}, fmt.Errorf("%w: encode %s: %w", store.ErrSerialization, name, err)
	}
	return store.NewEvent{Name: name, SchemaVersion: c.schemaVersion, Payload: payload}, nil
}

// Decode turns a stored payload back into its event value, upcasting older
// schema versions first. Unregistered names yield ErrUnknownEvent; anything
// else that goes wrong is a store.ErrSerialization.
func (r *Registry) Decode(name string, schemaVersion int, payload []byte) (Event, error) {
	r.mu.RLock()
	c, ok := r.codecs[name]
	ups := r.upcasters[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownEvent, name)
	}
	if schemaVersion < 1 {
		schemaVersion = 1
	}
	if schemaVersion > c.schemaVersion {
		return nil, fmt.Errorf("%w: %s schema version %d is newer than supported %d",
			store.ErrSerialization, name, schemaVersion, c.schemaVersion)
	}
	for v := schemaVersion; v < c.schemaVersion; v++ {
		up, ok := ups[v]
		if !ok {
			return nil, fmt.Errorf("%w: no upcaster for %s from schema version %d", store.ErrSerialization, name, v)
		}
		var err error
		if payload, err = up(payload); err != nil {
			return nil, fmt.Errorf("%w: upcast %s from schema version %d: %w", store.ErrSerialization, name, v, err)
		}
	}
	e, err := c.decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", store.ErrSerialization, name, err)
	}
	return e, nil
}

// DecodeRecord decodes the payload of a stored record.
func (r *Registry) DecodeRecord(rec store.Record) (Event, error) {
	return r.Decode(rec.Name, rec.SchemaVersion, rec.Payload)
}
