// Package registry holds the MCP method catalog and validates role
// capabilities and agent types against it.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrInvalidCapability is wrapped by every capability validation failure.
var ErrInvalidCapability = errors.New("invalid capability")

// ErrInvalidAgentType is returned for agent types outside the supported set.
var ErrInvalidAgentType = errors.New("unsupported agent type")

// QueryAlias is accepted as a capability even though it is not a registered
// method; it maps to the context search surface.
const QueryAlias = "context.query"

// writeOperations are the operations that count as persistence-capable.
var writeOperations = map[string]bool{
	"create": true, "update": true, "complete": true, "assign": true,
	"delete": true, "move": true, "register": true, "restore": true,
	"approve": true, "teardown": true, "deploy": true, "trigger": true,
	"start": true,
}

// persistenceCapabilities is the minimum write set injected so every agent
// can record its results.
var persistenceCapabilities = []string{"task.create", "page.create", "experiment.update"}

// defaultMethods is the built-in MCP method catalog.
var defaultMethods = []string{
	"task.create", "task.get", "task.list", "task.update", "task.complete",
	"task.assign", "task.delete", "task.move",
	"page.create", "page.get", "page.list", "page.update", "page.delete",
	"experiment.create", "experiment.get", "experiment.list", "experiment.update",
	"experiment.start", "experiment.complete", "experiment.register",
	"context.search", "context.get",
	"team.send_message", "team.read_messages", "team.get_roster",
	"team.report_progress", "team.complete_step",
	"deployment.status", "deployment.trigger",
}

// MethodRegistry is the catalog capability strings are validated against.
type MethodRegistry struct {
	mu      sync.RWMutex
	methods map[string]bool
}

// NewMethodRegistry returns a registry seeded with the built-in catalog.
func NewMethodRegistry() *MethodRegistry {
	r := &MethodRegistry{methods: make(map[string]bool, len(defaultMethods))}
	for _, m := range defaultMethods {
		r.methods[m] = true
	}
	return r
}

// Register adds a method (resource.operation) to the catalog.
func (r *MethodRegistry) Register(method string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[method] = true
}

// Has reports whether the exact method is registered.
func (r *MethodRegistry) Has(method string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.methods[method]
}

// HasResource reports whether at least one method exists for the resource.
func (r *MethodRegistry) HasResource(resource string) bool {
	prefix := resource + "."
	r.mu.RLock()
	defer r.mu.RUnlock()
	for m := range r.methods {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

// Methods returns the sorted catalog, for diagnostics.
func (r *MethodRegistry) Methods() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.methods))
	for m := range r.methods {
		out = append(out, m)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// ValidateCapabilities checks each capability against the catalog. Accepted
// shapes: "*", "resource.*" (resource must have at least one method) and
// "resource.operation" (must be registered, or the context.query alias).
func (r *MethodRegistry) ValidateCapabilities(capabilities []string) error {
	for _, cap := range capabilities {
		if err := r.validateCapability(cap); err != nil {
			return err
		}
	}
	return nil
}

func (r *MethodRegistry) validateCapability(cap string) error {
	if cap == "*" {
		return nil
	}
	resource, operation, ok := strings.Cut(cap, ".")
	if !ok || resource == "" || operation == "" {
		return fmt.Errorf("%w: %q must match resource.operation, resource.* or *", ErrInvalidCapability, cap)
	}
	if operation == "*" {
		if !r.HasResource(resource) {
			return fmt.Errorf("%w: %q matches no registered method", ErrInvalidCapability, cap)
		}
		return nil
	}
	if cap == QueryAlias {
		return nil
	}
	if !r.Has(cap) {
		return fmt.Errorf("%w: unknown method %q", ErrInvalidCapability, cap)
	}
	return nil
}

// EnsurePersistence augments a read-only capability set with the minimum
// write set, so every agent can persist its findings. Sets that already
// contain a write operation or a wildcard are returned unchanged.
func EnsurePersistence(capabilities []string) []string {
	if HasWriteCapability(capabilities) {
		return capabilities
	}
	out := append([]string(nil), capabilities...)
	return append(out, persistenceCapabilities...)
}

// HasWriteCapability reports whether the set contains a write operation or a
// wildcard.
func HasWriteCapability(capabilities []string) bool {
	for _, cap := range capabilities {
		if cap == "*" {
			return true
		}
		_, operation, ok := strings.Cut(cap, ".")
		if !ok {
			continue
		}
		if operation == "*" || writeOperations[operation] {
			return true
		}
	}
	return false
}

// agentTypeAliases maps every accepted spelling to its normalized form.
var agentTypeAliases = map[string]string{
	"claude":       "claude-code",
	"claude-code":  "claude-code",
	"claude_code":  "claude-code",
	"claudecode":   "claude-code",
	"codex":        "codex",
	"gpt-codex":    "codex",
	"openai-codex": "codex",
	"gemini":       "gemini",
	"gemini-cli":   "gemini",
	"gemini_cli":   "gemini",
	"aider":        "aider",
}

// NormalizeAgentType maps any accepted agent type spelling to its canonical
// form, or ErrInvalidAgentType.
func NormalizeAgentType(agentType string) (string, error) {
	normalized, ok := agentTypeAliases[strings.ToLower(strings.TrimSpace(agentType))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidAgentType, agentType)
	}
	return normalized, nil
}

// ValidAgentType reports whether the type (in any accepted spelling) is
// supported. Empty is allowed; the deploy default fills it in.
func ValidAgentType(agentType string) bool {
	if agentType == "" {
		return true
	}
	_, err := NormalizeAgentType(agentType)
	return err == nil
}
