// Package channel abstracts the messaging surfaces a thread can live on.
// Adapters translate between provider payloads and the core's normalized
// types; the registry routes outbound deliveries by channel type.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrMediaUnsupported is returned by adapters whose channel cannot serve
// media payloads.
var ErrMediaUnsupported = errors.New("channel does not support media fetch")

// Target addresses one conversation endpoint on a channel.
type Target struct {
	ChannelID      string
	ExternalUserID string
}

// Adapter is one messaging surface.
type Adapter interface {
	// Type is the stable channel type identifier, e.g. "telegram".
	Type() string

	// Send delivers text to the target and returns the provider-side
	// message id when the provider reports one.
	Send(ctx context.Context, target Target, text string) (string, error)

	// FetchMedia downloads the payload behind a provider media reference
	// and reports its MIME type.
	FetchMedia(ctx context.Context, ref string) ([]byte, string, error)
}

// Registry holds the configured adapters keyed by channel type.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Registering a second adapter for the same
// channel type replaces the first.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Type()] = a
}

// Get returns the adapter for a channel type.
func (r *Registry) Get(channelType string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[channelType]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for channel %q", channelType)
	}
	return a, nil
}

// Types lists the registered channel types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		out = append(out, t)
	}
	return out
}
