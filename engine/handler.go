package engine

import "fmt"

// ServiceRequirement marks whether a declared service dependency must be
// present for a handler to run.
type ServiceRequirement string

const (
	Required ServiceRequirement = "required"
	Optional ServiceRequirement = "optional"
)

// ServiceSpec declares one service dependency a handler needs injected for
// the duration of a single invocation. This is the Go shape of the Python
// @requires_services decorator (Design Notes §9): a plain struct, populated
// by the engine immediately before Run, with no decorator-equivalent or
// runtime metaprogramming.
type ServiceSpec struct {
	Name        string
	Key         ServiceKey
	Requirement ServiceRequirement
	Default     any
}

// Handler is the uniform lifecycle every node type implements
// (spec.md §4.3):
//
//	pre_execute → prepare_inputs → run → serialize_output → post_execute → on_error
//
// Services declares this handler's ServiceSpec set; the engine resolves and
// injects them into the `services` map passed to every lifecycle method.
type Handler interface {
	// Services returns this handler's declared service dependencies.
	Services() []ServiceSpec

	// PreExecute may short-circuit the lifecycle by returning a non-nil
	// envelope (validation / quick-fail). Returning (nil, nil) continues
	// the normal lifecycle.
	PreExecute(req *ExecutionRequest, services map[string]any) (*Envelope, error)

	// PrepareInputs converts resolved inbound envelopes (or diagram
	// defaults) into the concrete inputs map Run receives.
	PrepareInputs(req *ExecutionRequest, inbound map[string]Envelope, services map[string]any) (map[string]any, error)

	// Run executes the handler's core logic, returning a raw result that
	// SerializeOutput will turn into an Envelope. Run may return an error;
	// the orchestration routes it through OnError.
	Run(req *ExecutionRequest, inputs map[string]any, services map[string]any) (any, error)

	// SerializeOutput converts Run's raw result into an Envelope.
	SerializeOutput(req *ExecutionRequest, result any, services map[string]any) (Envelope, error)

	// PostExecute runs after serialization, conventionally emitting the
	// result as tokens on the node's output ports, and returns the final
	// envelope returned to the engine.
	PostExecute(req *ExecutionRequest, out Envelope, services map[string]any) (Envelope, error)

	// OnError converts a Run/PrepareInputs/SerializeOutput error into an
	// envelope. Returning (nil, nil) tells the orchestration to fall back
	// to a default error envelope.
	OnError(req *ExecutionRequest, cause error, services map[string]any) (*Envelope, error)
}

// NodeSchema describes a node type's static shape: its inbound ports and
// whether each is required. It holds no node-level config such as timeout or
// max_iteration; those live on NodeDef. The scheduler consults RequiredPorts to decide readiness
// (spec.md §4.7 rule 2); handlers consult it during PrepareInputs.
type NodeSchema struct {
	NodeType      string
	RequiredPorts []string
	OptionalPorts []string
}

// HasPort reports whether name is a declared port (required or optional).
func (s NodeSchema) HasPort(name string) bool {
	for _, p := range s.RequiredPorts {
		if p == name {
			return true
		}
	}
	for _, p := range s.OptionalPorts {
		if p == name {
			return true
		}
	}
	return false
}

// HandlerFactory is what the Handler Registry maps a node-type string to:
// enough to construct a fresh Handler instance, describe it, and run an
// optional static precondition before the scheduler considers it ready.
type HandlerFactory struct {
	NodeType    string
	Schema      NodeSchema
	Description string

	// New constructs a Handler instance. Called once per invocation so
	// handler instances never leak state across executions.
	New func() Handler

	// Validate is an optional static precondition consulted by the
	// scheduler (spec.md §4.7 rule 4, "handler.validate"). A non-empty
	// return value blocks readiness with that message.
	Validate func(req *ExecutionRequest) string
}

// HandlerRegistry maps node-type strings to HandlerFactory. It is a
// process-wide singleton populated once at startup and never mutated
// during execution (Design Notes §9).
type HandlerRegistry struct {
	factories map[string]HandlerFactory
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{factories: make(map[string]HandlerFactory)}
}

// Register adds a HandlerFactory under its NodeType. Registering the same
// node type twice overwrites the previous factory (boot-time convenience;
// this registry performs no runtime mutation once execution starts).
func (r *HandlerRegistry) Register(f HandlerFactory) {
	r.factories[f.NodeType] = f
}

// Get returns the HandlerFactory for a node type, or ErrNotFound.
func (r *HandlerRegistry) Get(nodeType string) (HandlerFactory, error) {
	f, ok := r.factories[nodeType]
	if !ok {
		return HandlerFactory{}, fmt.Errorf("%w: node type %q", ErrNotFound, nodeType)
	}
	return f, nil
}

// resolveServices populates the services map the lifecycle methods
// receive, per spec.md §4.3's declarative injection paragraph: REQUIRED
// misses become a ServiceError naming the handler's node type and key,
// OPTIONAL misses fall back to the ServiceSpec's Default.
func resolveServices(nodeType string, specs []ServiceSpec, registry *ServiceRegistry) (map[string]any, error) {
	out := make(map[string]any, len(specs))
	for _, s := range specs {
		if s.Requirement == Required {
			v, err := registry.GetRequired(s.Key)
			if err != nil {
				return nil, &ServiceError{Handler: nodeType, Key: string(s.Key)}
			}
			out[s.Name] = v
		} else {
			out[s.Name] = registry.GetOptional(s.Key, s.Default)
		}
	}
	return out, nil
}

// RunLifecycle drives the always-on orchestration described in spec.md
// §4.3: pre_execute may short-circuit; otherwise prepare_inputs → run are
// wrapped so exceptions route through on_error (falling back to a default
// error envelope), then serialize_output, then post_execute produces the
// final envelope returned to the engine.
func RunLifecycle(h Handler, req *ExecutionRequest, inbound map[string]Envelope, registry *ServiceRegistry) (Envelope, error) {
	services, err := resolveServices(req.NodeType, h.Services(), registry)
	if err != nil {
		return Envelope{}, err
	}

	if early, err := h.PreExecute(req, services); err != nil {
		return Envelope{}, err
	} else if early != nil {
		out, err := h.PostExecute(req, *early, services)
		return out, err
	}

	result, runErr := func() (result any, runErr error) {
		defer func() {
			if p := recover(); p != nil {
				runErr = fmt.Errorf("engine: handler %s panicked: %v", req.NodeType, p)
			}
		}()
		inputs, err := h.PrepareInputs(req, inbound, services)
		if err != nil {
			return nil, err
		}
		return h.Run(req, inputs, services)
	}()

	var out Envelope
	if runErr != nil {
		custom, onErrErr := h.OnError(req, runErr, services)
		if onErrErr != nil {
			return Envelope{}, onErrErr
		}
		if custom != nil {
			out = *custom
		} else {
			out = NewEnvelopeFactory().Error(runErr.Error(), "ExecutionError", WithProducedBy(req.NodeID), WithTraceID(req.ExecutionID))
		}
	} else {
		out, err = h.SerializeOutput(req, result, services)
		if err != nil {
			custom, onErrErr := h.OnError(req, err, services)
			if onErrErr != nil {
				return Envelope{}, onErrErr
			}
			if custom != nil {
				out = *custom
			} else {
				out = NewEnvelopeFactory().Error(err.Error(), "ExecutionError", WithProducedBy(req.NodeID), WithTraceID(req.ExecutionID))
			}
		}
	}

	return h.PostExecute(req, out, services)
}
