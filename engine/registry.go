package engine

import "fmt"

// ServiceKey names a capability a handler can request from the Service
// Registry — e.g. ApiInvokerKey, LlmServiceKey. Keys are opaque strings,
// compared by string value; two keys with the same text are the same key.
type ServiceKey string

// Well-known service keys named in spec.md §4.2 / §6. Concrete node handler
// bodies are out of scope for this repository; these keys exist so the
// Service Registry and the declarative injection mechanism (ServiceSpec)
// have something real to bind to, and so the domain-stack adapters in
// engine/model and engine/tool can register themselves under a stable name.
const (
	ApiInvokerKey           ServiceKey = "api_invoker"
	LlmServiceKey            ServiceKey = "llm_service"
	FilesystemAdapterKey     ServiceKey = "filesystem_adapter"
	AstParserKey             ServiceKey = "ast_parser"
	TemplateRendererKey      ServiceKey = "template_renderer"
	IrCacheKey               ServiceKey = "ir_cache"
	IrBuilderRegistryKey     ServiceKey = "ir_builder_registry"
	ExecutionContextKey      ServiceKey = "execution_context"
	DiagramKey               ServiceKey = "diagram"
	ExecutionOrchestratorKey ServiceKey = "execution_orchestrator"
	PromptBuilderKey         ServiceKey = "prompt_builder"
)

// ServiceRegistry is a process-wide, capability-keyed map of provider
// instances. Providers are registered once at startup; the registry is
// read-only during execution, so lookups need no locking (spec.md §5).
type ServiceRegistry struct {
	providers map[ServiceKey]any
}

// NewServiceRegistry returns an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{providers: make(map[ServiceKey]any)}
}

// Register binds a provider instance to a key. Intended to run once during
// process bootstrap, before any execution starts.
func (r *ServiceRegistry) Register(key ServiceKey, provider any) {
	r.providers[key] = provider
}

// GetRequired returns the provider for key, or ErrNotFound if absent.
func (r *ServiceRegistry) GetRequired(key ServiceKey) (any, error) {
	p, ok := r.providers[key]
	if !ok {
		return nil, fmt.Errorf("%w: service %s", ErrNotFound, key)
	}
	return p, nil
}

// GetOptional returns the provider for key, or def if absent.
func (r *ServiceRegistry) GetOptional(key ServiceKey, def any) any {
	if p, ok := r.providers[key]; ok {
		return p
	}
	return def
}
