package connectors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/governd/governd/internal/platform"
)

// ErrBadConnection indicates the connection descriptor itself is unusable:
// no provider name, or a provider this host has never heard of.
var ErrBadConnection = errors.New("bad connection descriptor")

// ErrInstantiation indicates a known provider failed to build an instance
// from an otherwise well-formed descriptor.
var ErrInstantiation = errors.New("connector instantiation failed")

// Factory turns a connection descriptor into a live connector instance.
type Factory interface {
	Instantiate(ctx context.Context, conn platform.Connection) (Connector, error)
}

// BuildFunc constructs a connector from its connection descriptor.
type BuildFunc func(ctx context.Context, conn platform.Connection) (Connector, error)

// ProviderFactory resolves the descriptor's provider name against a
// registry of build functions.
type ProviderFactory struct {
	mu       sync.Mutex
	builders map[string]BuildFunc
	order    []string
}

func NewProviderFactory() *ProviderFactory {
	return &ProviderFactory{
		builders: make(map[string]BuildFunc),
	}
}

// Register adds a provider. Provider names are case-insensitive and must be
// unique.
func (f *ProviderFactory) Register(providerName string, build BuildFunc) error {
	name := strings.ToLower(strings.TrimSpace(providerName))
	if name == "" {
		return errors.New("provider name cannot be empty")
	}
	if build == nil {
		return fmt.Errorf("provider %q build function is nil", name)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.builders[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	f.builders[name] = build
	f.order = append(f.order, name)
	return nil
}

// Providers returns the registered provider names in registration order.
func (f *ProviderFactory) Providers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func (f *ProviderFactory) Instantiate(ctx context.Context, conn platform.Connection) (Connector, error) {
	name := strings.ToLower(strings.TrimSpace(conn.ProviderName))
	if name == "" {
		return nil, fmt.Errorf("%w: provider name is empty", ErrBadConnection)
	}

	f.mu.Lock()
	build := f.builders[name]
	f.mu.Unlock()
	if build == nil {
		return nil, fmt.Errorf("%w: unknown provider %q", ErrBadConnection, name)
	}

	connector, err := build(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("%w: provider %q: %w", ErrInstantiation, name, err)
	}
	if connector == nil {
		return nil, fmt.Errorf("%w: provider %q returned no instance", ErrInstantiation, name)
	}
	return connector, nil
}
