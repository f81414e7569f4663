// Package secrets resolves secret references inside channel configs.
//
// A string value of the form "env:NAME" is replaced by the environment
// variable NAME and "keyring:service/key" by the OS keyring entry. Other
// values pass through unchanged.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// DefaultService is the keyring service used when a reference omits one.
const DefaultService = "cowork-gateway"

const (
	envPrefix     = "env:"
	keyringPrefix = "keyring:"
)

// ErrUnresolved is returned when a reference points at nothing.
var ErrUnresolved = errors.New("secret reference not resolved")

// Keyring is the OS credential store.
type Keyring interface {
	Get(service, key string) (string, error)
	Set(service, key, value string) error
	Delete(service, key string) error
}

type osKeyring struct{}

func (osKeyring) Get(service, key string) (string, error) { return keyring.Get(service, key) }

func (osKeyring) Set(service, key, value string) error { return keyring.Set(service, key, value) }

func (osKeyring) Delete(service, key string) error { return keyring.Delete(service, key) }

// Resolver replaces secret references in raw JSON configs.
type Resolver struct {
	keyring Keyring
	lookup  func(string) (string, bool)
	logger  *slog.Logger
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithKeyring replaces the OS keyring.
func WithKeyring(k Keyring) Option {
	return func(r *Resolver) { r.keyring = k }
}

// WithLookup replaces os.LookupEnv.
func WithLookup(fn func(string) (string, bool)) Option {
	return func(r *Resolver) { r.lookup = fn }
}

// NewResolver creates a Resolver backed by the environment and OS keyring.
func NewResolver(logger *slog.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		keyring: osKeyring{},
		lookup:  os.LookupEnv,
		logger:  logger.With("component", "secrets"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns raw with every reference replaced. Objects and arrays are
// walked recursively; raw is not modified.
func (r *Resolver) Resolve(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	changed := false
	doc, err := r.walk(ctx, "", doc, &changed)
	if err != nil {
		return nil, err
	}
	if !changed {
		return raw, nil
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return out, nil
}

func (r *Resolver) walk(ctx context.Context, path string, v any, changed *bool) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			resolved, err := r.walk(ctx, join(path, k), child, changed)
			if err != nil {
				return nil, err
			}
			val[k] = resolved
		}
		return val, nil
	case []any:
		for i, child := range val {
			resolved, err := r.walk(ctx, fmt.Sprintf("%s[%d]", path, i), child, changed)
			if err != nil {
				return nil, err
			}
			val[i] = resolved
		}
		return val, nil
	case string:
		if !IsRef(val) {
			return val, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		secret, err := r.Lookup(val)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		*changed = true
		return secret, nil
	}
	return v, nil
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// IsRef reports whether v is a secret reference.
func IsRef(v string) bool {
	return strings.HasPrefix(v, envPrefix) || strings.HasPrefix(v, keyringPrefix)
}

// Lookup resolves a single reference.
func (r *Resolver) Lookup(ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, envPrefix):
		name := strings.TrimPrefix(ref, envPrefix)
		if val, ok := r.lookup(name); ok && val != "" {
			return val, nil
		}
		return "", fmt.Errorf("%w: environment variable %s is not set", ErrUnresolved, name)
	case strings.HasPrefix(ref, keyringPrefix):
		service, key := ParseKeyringRef(ref)
		val, err := r.keyring.Get(service, key)
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%w: keyring entry %s/%s not found", ErrUnresolved, service, key)
		}
		if err != nil {
			return "", fmt.Errorf("keyring %s/%s: %w", service, key, err)
		}
		r.logger.Debug("secret loaded from keyring", "service", service, "key", key)
		return val, nil
	}
	return ref, nil
}

// Store saves value in the keyring and returns the reference to put in a
// config.
func (r *Resolver) Store(key, value string) (string, error) {
	if key == "" {
		return "", errors.New("secret key is required")
	}
	if err := r.keyring.Set(DefaultService, key, value); err != nil {
		return "", fmt.Errorf("store secret %s: %w", key, err)
	}
	return keyringPrefix + DefaultService + "/" + key, nil
}

// Forget deletes the keyring entry behind ref. Missing entries are ignored.
func (r *Resolver) Forget(ref string) error {
	if !strings.HasPrefix(ref, keyringPrefix) {
		return nil
	}
	service, key := ParseKeyringRef(ref)
	if err := r.keyring.Delete(service, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("delete secret %s/%s: %w", service, key, err)
	}
	return nil
}

// ParseKeyringRef splits "keyring:service/key". A reference without a
// service uses DefaultService.
func ParseKeyringRef(ref string) (service, key string) {
	rest := strings.TrimPrefix(ref, keyringPrefix)
	if s, k, ok := strings.Cut(rest, "/"); ok && s != "" {
		return s, k
	}
	return DefaultService, rest
}
