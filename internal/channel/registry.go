package channel

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps platforms to their adapters. There is no global registry;
// cmd/chatgate builds one and hands it to the dispatcher and handlers.
type Registry struct {
	mu       sync.RWMutex
	adapters map[ChannelType]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: map[ChannelType]Adapter{},
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	ct := normalizeChannelType(adapter.Type().String())
	if ct == "" {
		return fmt.Errorf("channel type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[ct]; exists {
		return fmt.Errorf("adapter for %s already registered", ct)
	}
	r.adapters[ct] = adapter
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter for the given channel type.
func (r *Registry) Get(channelType ChannelType) (Adapter, bool) {
	ct := normalizeChannelType(channelType.String())
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[ct]
	return adapter, ok
}

// Types returns all registered channel types in lexical order.
func (r *Registry) Types() []ChannelType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]ChannelType, 0, len(r.adapters))
	for ct := range r.adapters {
		items = append(items, ct)
	}
	sort.Slice(items, func(i, j int) bool { return items[i] < items[j] })
	return items
}

// ListDescriptors returns descriptors for all registered channel types.
func (r *Registry) ListDescriptors() []Descriptor {
	types := r.Types()
	items := make([]Descriptor, 0, len(types))
	for _, ct := range types {
		if adapter, ok := r.Get(ct); ok {
			items = append(items, adapter.Descriptor())
		}
	}
	return items
}

// capability looks up the adapter for channelType and asserts the optional
// interface T on it.
func capability[T any](r *Registry, channelType ChannelType) (T, bool) {
	var zero T
	adapter, ok := r.Get(channelType)
	if !ok {
		return zero, false
	}
	c, ok := adapter.(T)
	return c, ok
}

func (r *Registry) GetDecoder(ct ChannelType) (Decoder, bool) { return capability[Decoder](r, ct) }
func (r *Registry) GetSender(ct ChannelType) (Sender, bool)   { return capability[Sender](r, ct) }
func (r *Registry) GetReceiver(ct ChannelType) (Receiver, bool) {
	return capability[Receiver](r, ct)
}
func (r *Registry) GetFormatter(ct ChannelType) (Formatter, bool) {
	return capability[Formatter](r, ct)
}
func (r *Registry) GetAcknowledger(ct ChannelType) (ReceiptAcknowledger, bool) {
	return capability[ReceiptAcknowledger](r, ct)
}
func (r *Registry) GetWebhookRegistrar(ct ChannelType) (WebhookRegistrar, bool) {
	return capability[WebhookRegistrar](r, ct)
}

func normalizeChannelType(raw string) ChannelType {
	normalized := strings.TrimSpace(strings.ToLower(raw))
	if normalized == "" {
		return ""
	}
	return ChannelType(normalized)
}
