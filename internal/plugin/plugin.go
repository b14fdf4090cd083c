// Package plugin defines the provider plug-in contract: the small
// interface external GPS-provider integrations implement, plus a
// process-wide registry plug-ins self-register into at init time.
package plugin

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/trakbridge/trakbridge/internal/model"
)

// ConfigField describes one entry of a plug-in's configuration schema,
// used by admin tooling to render a config form.
type ConfigField struct {
	Name        string
	DisplayName string
	Type        string // "string", "int", "bool", "password", ...
	Required    bool
	Sensitive   bool // stored encrypted or as a secret reference, never plaintext
	Default     any
	HelpText    string
}

// Metadata is the static description of a plug-in returned by
// Plugin.Metadata.
type Metadata struct {
	DisplayName  string
	Category     string
	ConfigFields []ConfigField
	HelpSections []string
}

// FieldMeta describes one field a plug-in can surface in provider data,
// used by the optional FieldProvider capability (AvailableFields).
type FieldMeta struct {
	Name        string
	DisplayName string
	Type        string
}

// ValidationResult is the return of Plugin.ValidateConfig.
type ValidationResult struct {
	OK       bool
	Warnings []string
}

// ConnectionTestResult is the return of Plugin.TestConnection.
type ConnectionTestResult struct {
	Success bool
	Error   string
	Details map[string]any
}

// Plugin is the contract every GPS provider integration implements.
// Fetch must honour ctx cancellation/deadline and must not retain
// references to the returned Positions after returning.
type Plugin interface {
	// Name returns the plug-in's registration key.
	Name() string

	// Metadata returns the static description used for UI rendering.
	Metadata() Metadata

	// ValidateConfig checks an opaque plugin_config map for this plug-in's
	// required fields without making network calls.
	ValidateConfig(cfg map[string]any) ValidationResult

	// TestConnection performs a live connectivity check against the
	// provider using the given config.
	TestConnection(ctx context.Context, cfg map[string]any) ConnectionTestResult

	// Fetch retrieves the current batch of positions from the provider.
	// The returned error, if any, is a *FetchError.
	Fetch(ctx context.Context, session *http.Client, cfg map[string]any) ([]model.Position, error)
}

// FieldProvider is an optional capability: plug-ins that can enumerate
// the identifier fields callsign mapping may key on implement it.
type FieldProvider interface {
	AvailableFields() []FieldMeta
}

// CallsignMapper is an optional capability. A plug-in supporting it
// mutates positions in place: renaming devices and attaching team-member
// metadata, dropping positions whose mapped entry has Enabled=false by
// truncating the slice returned.
type CallsignMapper interface {
	ApplyCallsignMapping(positions []model.Position, field string, mapping map[string]model.CallsignMapping) []model.Position
}

// Factory builds a configured Plugin instance. Plug-in packages register a
// Factory under their name via Register, typically from an init() in the
// plug-in's package (blank-imported by cmd/trakbridge and cmd/trakbridgectl).
type Factory func() Plugin

// Registry is the process-wide plug-in registry the orchestrator selects
// from by plugin_type string.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

var defaultRegistry = &Registry{factories: make(map[string]Factory)}

// Default returns the process-wide plug-in registry.
func Default() *Registry { return defaultRegistry }

// NewRegistry returns an empty, independent Registry — used by tests (e.g.
// internal/orchestrator's) that need isolation from the process-wide
// Default() registry's self-registered plug-ins.
func NewRegistry() *Registry { return &Registry{factories: make(map[string]Factory)} }

// Register adds a plug-in factory under name. It is typically called from a
// plug-in package's init() function. Re-registering the same name replaces
// the previous factory (useful in tests).
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Get builds a new Plugin instance for the given plugin_type.
func (r *Registry) Get(name string) (Plugin, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("plugin: no plug-in registered for type %q", name)
	}
	return f(), nil
}

// Names returns all registered plug-in type names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	return names
}
