package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

var (
	// ErrUnknownChannelType is returned for platforms with no registered descriptor.
	ErrUnknownChannelType = errors.New("unknown channel type")
	// ErrAlreadyRegistered is returned when registering a type twice.
	ErrAlreadyRegistered = errors.New("channel type already registered")
	// ErrBuiltIn is returned when unregistering a built-in channel type.
	ErrBuiltIn = errors.New("built-in channel types cannot be unregistered")
)

// Capability names an optional adapter feature.
type Capability string

const (
	CapabilityEdit        Capability = "edit"
	CapabilityDelete      Capability = "delete"
	CapabilityTyping      Capability = "typing"
	CapabilityReactions   Capability = "reactions"
	CapabilityButtons     Capability = "buttons"
	CapabilityAttachments Capability = "attachments"
	CapabilityThreads     Capability = "threads"
	CapabilityRichText    Capability = "rich_text"
)

// Capabilities defines feature support for a channel.
type Capabilities struct {
	SupportsReactions   bool `json:"supports_reactions"`
	SupportsTyping      bool `json:"supports_typing"`
	SupportsThreads     bool `json:"supports_threads"`
	SupportsAttachments bool `json:"supports_attachments"`
	SupportsEditing     bool `json:"supports_editing"`
	SupportsDeleting    bool `json:"supports_deleting"`
	SupportsRichText    bool `json:"supports_rich_text"`
	SupportsButtons     bool `json:"supports_buttons"`
	MaxMessageLength    int  `json:"max_message_length"` // 0 = unlimited
}

// Has reports whether the capability set includes c.
func (c Capabilities) Has(capability Capability) bool {
	switch capability {
	case CapabilityEdit:
		return c.SupportsEditing
	case CapabilityDelete:
		return c.SupportsDeleting
	case CapabilityTyping:
		return c.SupportsTyping
	case CapabilityReactions:
		return c.SupportsReactions
	case CapabilityButtons:
		return c.SupportsButtons
	case CapabilityAttachments:
		return c.SupportsAttachments
	case CapabilityThreads:
		return c.SupportsThreads
	case CapabilityRichText:
		return c.SupportsRichText
	}
	return false
}

// ChannelMeta contains display metadata for a channel.
type ChannelMeta struct {
	Label          string   `json:"label"`
	SelectionLabel string   `json:"selection_label"`
	DocsPath       string   `json:"docs_path,omitempty"`
	Blurb          string   `json:"blurb,omitempty"`
	Aliases        []string `json:"aliases,omitempty"`
}

// Factory builds an adapter from a validated config variant.
type Factory func(cfg PlatformConfig, logger *slog.Logger) (Adapter, error)

// Descriptor is the catalog entry for one platform.
type Descriptor struct {
	Type         models.ChannelType
	Meta         ChannelMeta
	Capabilities Capabilities
	// NewConfig returns an empty config variant to decode into.
	NewConfig func() PlatformConfig
	Factory   Factory
	BuiltIn   bool
}

// Registry is the catalog of adapter factories and capability metadata.
// It also tracks the active adapter instance per type for status reporting.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[models.ChannelType]Descriptor
	active      map[models.ChannelType]Adapter
	logger      *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		descriptors: make(map[models.ChannelType]Descriptor),
		active:      make(map[models.ChannelType]Adapter),
		logger:      logger.With("component", "channel-registry"),
	}
}

// Register adds a descriptor.
func (r *Registry) Register(d Descriptor) error {
	if d.Type == "" {
		return fmt.Errorf("register: %w", ErrUnknownChannelType)
	}
	if d.Factory == nil || d.NewConfig == nil {
		return fmt.Errorf("register %s: factory and config constructor are required", d.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.descriptors[d.Type]; exists {
		return fmt.Errorf("register %s: %w", d.Type, ErrAlreadyRegistered)
	}
	r.descriptors[d.Type] = d
	return nil
}

// Unregister removes a non-built-in descriptor.
func (r *Registry) Unregister(channelType models.ChannelType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descriptors[channelType]
	if !ok {
		return fmt.Errorf("unregister %s: %w", channelType, ErrUnknownChannelType)
	}
	if d.BuiltIn {
		return fmt.Errorf("unregister %s: %w", channelType, ErrBuiltIn)
	}
	delete(r.descriptors, channelType)
	delete(r.active, channelType)
	return nil
}

// Descriptor returns the catalog entry for a type.
func (r *Registry) Descriptor(channelType models.ChannelType) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[channelType]
	return d, ok
}

// Types returns the registered types in display order.
func (r *Registry) Types() []models.ChannelType {
	r.mu.RLock()
	types := make([]models.ChannelType, 0, len(r.descriptors))
	for t := range r.descriptors {
		types = append(types, t)
	}
	r.mu.RUnlock()

	order := make(map[models.ChannelType]int)
	for i, t := range models.ChannelTypes() {
		order[t] = i
	}
	sort.Slice(types, func(i, j int) bool {
		oi, iKnown := order[types[i]]
		oj, jKnown := order[types[j]]
		switch {
		case iKnown && jKnown:
			return oi < oj
		case iKnown != jKnown:
			return iKnown
		default:
			return types[i] < types[j]
		}
	})
	return types
}

// ResolveType maps a name or alias ("tg", "wa") to a registered type.
func (r *Registry) ResolveType(name string) (models.ChannelType, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.descriptors[models.ChannelType(name)]; ok {
		return models.ChannelType(name), true
	}
	for t, d := range r.descriptors {
		for _, alias := range d.Meta.Aliases {
			if alias == name {
				return t, true
			}
		}
	}
	return "", false
}

// Capabilities returns the capability set for a type.
func (r *Registry) Capabilities(channelType models.ChannelType) Capabilities {
	d, _ := r.Descriptor(channelType)
	return d.Capabilities
}

// Supports reports whether a type declares a capability.
func (r *Registry) Supports(channelType models.ChannelType, capability Capability) bool {
	return r.Capabilities(channelType).Has(capability)
}

// DecodeConfig decodes a stored JSON config into the variant registered for channelType.
func (r *Registry) DecodeConfig(channelType models.ChannelType, raw json.RawMessage) (PlatformConfig, error) {
	d, ok := r.Descriptor(channelType)
	if !ok {
		return nil, fmt.Errorf("decode config %s: %w", channelType, ErrUnknownChannelType)
	}
	cfg := d.NewConfig()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, ErrConfig(fmt.Sprintf("decode %s config", channelType), err)
		}
	}
	return cfg, nil
}

// ValidateConfig runs the variant validator for channelType.
func (r *Registry) ValidateConfig(channelType models.ChannelType, cfg PlatformConfig) ValidationErrors {
	if _, ok := r.Descriptor(channelType); !ok {
		return ValidationErrors{{Field: "type", Message: fmt.Sprintf("unknown channel type %q", channelType)}}
	}
	if cfg == nil {
		return ValidationErrors{{Field: "config", Message: "is required"}}
	}
	if cfg.Type() != channelType {
		return ValidationErrors{{Field: "config", Message: fmt.Sprintf("is a %s config, want %s", cfg.Type(), channelType)}}
	}
	return cfg.Validate()
}

// CreateAdapter validates cfg and builds a new adapter instance.
func (r *Registry) CreateAdapter(channelType models.ChannelType, cfg PlatformConfig, logger *slog.Logger) (Adapter, error) {
	d, ok := r.Descriptor(channelType)
	if !ok {
		return nil, fmt.Errorf("create adapter %s: %w", channelType, ErrUnknownChannelType)
	}
	if errs := r.ValidateConfig(channelType, cfg); len(errs) > 0 {
		return nil, errs
	}
	if logger == nil {
		logger = r.logger
	}
	return d.Factory(cfg, logger)
}

// SetActive records the live adapter for its type.
func (r *Registry) SetActive(adapter Adapter) {
	if adapter == nil {
		return
	}
	r.mu.Lock()
	r.active[adapter.Type()] = adapter
	r.mu.Unlock()
}

// ClearActive removes the active entry if it is still adapter.
func (r *Registry) ClearActive(adapter Adapter) {
	if adapter == nil {
		return
	}
	r.mu.Lock()
	if r.active[adapter.Type()] == adapter {
		delete(r.active, adapter.Type())
	}
	r.mu.Unlock()
}

// Active returns the live adapter for a type.
func (r *Registry) Active(channelType models.ChannelType) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.active[channelType]
	return a, ok
}

// ActiveInfo reports the status of every active adapter.
func (r *Registry) ActiveInfo() []models.ChannelInfo {
	r.mu.RLock()
	adapters := make([]Adapter, 0, len(r.active))
	for _, a := range r.active {
		adapters = append(adapters, a)
	}
	r.mu.RUnlock()

	infos := make([]models.ChannelInfo, 0, len(adapters))
	for _, a := range adapters {
		infos = append(infos, a.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Type < infos[j].Type })
	return infos
}

// EditMessage edits a sent message when the platform supports it.
func (r *Registry) EditMessage(ctx context.Context, a Adapter, chatID, messageID, text string) error {
	editor, ok := a.(Editor)
	if !ok || !r.Supports(a.Type(), CapabilityEdit) {
		return ErrNotSupported(a.Type(), CapabilityEdit)
	}
	return editor.EditMessage(ctx, chatID, messageID, text)
}

// DeleteMessage deletes a sent message when the platform supports it.
func (r *Registry) DeleteMessage(ctx context.Context, a Adapter, chatID, messageID string) error {
	deleter, ok := a.(Deleter)
	if !ok || !r.Supports(a.Type(), CapabilityDelete) {
		return ErrNotSupported(a.Type(), CapabilityDelete)
	}
	return deleter.DeleteMessage(ctx, chatID, messageID)
}

// SendTyping shows a typing indicator when the platform supports it.
func (r *Registry) SendTyping(ctx context.Context, a Adapter, chatID string) error {
	typer, ok := a.(Typer)
	if !ok || !r.Supports(a.Type(), CapabilityTyping) {
		return ErrNotSupported(a.Type(), CapabilityTyping)
	}
	return typer.SendTyping(ctx, chatID)
}

// AddReaction reacts to a message when the platform supports it.
func (r *Registry) AddReaction(ctx context.Context, a Adapter, chatID, messageID, emoji string) error {
	reactor, ok := a.(Reactor)
	if !ok || !r.Supports(a.Type(), CapabilityReactions) {
		return ErrNotSupported(a.Type(), CapabilityReactions)
	}
	return reactor.AddReaction(ctx, chatID, messageID, emoji)
}
