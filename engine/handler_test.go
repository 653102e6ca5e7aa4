package engine

import (
	"errors"
	"testing"
)

// fakeHandler is a scriptable Handler for exercising RunLifecycle.
type fakeHandler struct {
	services     []ServiceSpec
	preResult    *Envelope
	preErr       error
	prepareErr   error
	runResult    any
	runErr       error
	serializeErr error
	onErrorOut   *Envelope
	onErrorErr   error
	panicOnRun   bool

	postExecuteCalled bool
	runCalls          int
}

func (f *fakeHandler) Services() []ServiceSpec { return f.services }

func (f *fakeHandler) PreExecute(req *ExecutionRequest, services map[string]any) (*Envelope, error) {
	return f.preResult, f.preErr
}

func (f *fakeHandler) PrepareInputs(req *ExecutionRequest, inbound map[string]Envelope, services map[string]any) (map[string]any, error) {
	if f.prepareErr != nil {
		return nil, f.prepareErr
	}
	return map[string]any{}, nil
}

func (f *fakeHandler) Run(req *ExecutionRequest, inputs map[string]any, services map[string]any) (any, error) {
	f.runCalls++
	if f.panicOnRun {
		panic("boom")
	}
	return f.runResult, f.runErr
}

func (f *fakeHandler) SerializeOutput(req *ExecutionRequest, result any, services map[string]any) (Envelope, error) {
	if f.serializeErr != nil {
		return Envelope{}, f.serializeErr
	}
	return Envelope{ID: "serialized", Body: result}, nil
}

func (f *fakeHandler) PostExecute(req *ExecutionRequest, out Envelope, services map[string]any) (Envelope, error) {
	f.postExecuteCalled = true
	return out, nil
}

func (f *fakeHandler) OnError(req *ExecutionRequest, cause error, services map[string]any) (*Envelope, error) {
	return f.onErrorOut, f.onErrorErr
}

func newTestRequest() *ExecutionRequest {
	return NewExecutionRequest("n1", "fake", "exec-1", NewTracker(0), NewServiceRegistry(), NewTokenBus(NewDiagram("d")))
}

func TestRunLifecycle_HappyPath(t *testing.T) {
	h := &fakeHandler{runResult: "result"}
	out, err := RunLifecycle(h, newTestRequest(), nil, NewServiceRegistry())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Body != "result" {
		t.Errorf("expected serialized body 'result', got %v", out.Body)
	}
	if !h.postExecuteCalled {
		t.Error("expected PostExecute to be called")
	}
}

func TestRunLifecycle_PreExecuteShortCircuits(t *testing.T) {
	early := Envelope{ID: "early", Body: "short-circuit"}
	h := &fakeHandler{preResult: &early}
	out, err := RunLifecycle(h, newTestRequest(), nil, NewServiceRegistry())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.ID != "early" {
		t.Errorf("expected the pre-execute envelope to flow through, got %+v", out)
	}
}

func TestRunLifecycle_RunErrorRoutesThroughOnError(t *testing.T) {
	h := &fakeHandler{runErr: errors.New("run failed")}
	out, err := RunLifecycle(h, newTestRequest(), nil, NewServiceRegistry())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.HasError() {
		t.Errorf("expected a default error envelope, got %+v", out)
	}
}

func TestRunLifecycle_OnErrorCanSupplyCustomEnvelope(t *testing.T) {
	custom := Envelope{ID: "custom-error"}
	h := &fakeHandler{runErr: errors.New("run failed"), onErrorOut: &custom}
	out, err := RunLifecycle(h, newTestRequest(), nil, NewServiceRegistry())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.ID != "custom-error" {
		t.Errorf("expected OnError's custom envelope to win, got %+v", out)
	}
}

func TestRunLifecycle_PanicInRunIsRecoveredAsError(t *testing.T) {
	h := &fakeHandler{panicOnRun: true}
	out, err := RunLifecycle(h, newTestRequest(), nil, NewServiceRegistry())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.HasError() {
		t.Errorf("expected a recovered panic to produce an error envelope, got %+v", out)
	}
}

func TestRunLifecycle_RequiredServiceMissing_FailsBeforeRun(t *testing.T) {
	h := &fakeHandler{
		services: []ServiceSpec{{Name: "invoker", Key: ApiInvokerKey, Requirement: Required}},
	}
	_, err := RunLifecycle(h, newTestRequest(), nil, NewServiceRegistry())
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("expected a ServiceError for a missing required service, got %v", err)
	}
	if h.runCalls != 0 {
		t.Errorf("expected Run not to be called, got %d calls", h.runCalls)
	}
}

func TestRunLifecycle_OptionalServiceMissing_FallsBackToDefault(t *testing.T) {
	var capturedServices map[string]any
	h := &fakeHandler{services: []ServiceSpec{{Name: "cache", Key: IrCacheKey, Requirement: Optional, Default: "fallback"}}}

	req := newTestRequest()
	registry := NewServiceRegistry()

	orig := h.Run
	_ = orig
	h2 := &capturingHandler{fakeHandler: h, capture: &capturedServices}
	_, err := RunLifecycle(h2, req, nil, registry)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if capturedServices["cache"] != "fallback" {
		t.Errorf("expected optional service to fall back to default, got %+v", capturedServices)
	}
}

// capturingHandler wraps fakeHandler to capture the services map Run receives.
type capturingHandler struct {
	*fakeHandler
	capture *map[string]any
}

func (c *capturingHandler) Run(req *ExecutionRequest, inputs map[string]any, services map[string]any) (any, error) {
	*c.capture = services
	return c.fakeHandler.Run(req, inputs, services)
}
