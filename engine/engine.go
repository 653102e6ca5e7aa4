package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/dipeo-engine/engine/emit"
	"github.com/dshills/dipeo-engine/engine/store"
)

// defaultMaxConcurrentNodes bounds worker goroutines when EngineConfig
// leaves MaxConcurrentNodes unset.
const defaultMaxConcurrentNodes = 8

// pollInterval is how often the main loop re-checks scheduler readiness
// while nodes are in flight and no completion signal has arrived yet — a
// fallback against a missed wake notification, not the primary scheduling
// mechanism.
const pollInterval = 25 * time.Millisecond

// EngineConfig configures one Engine instance.
type EngineConfig struct {
	// MaxConcurrentNodes bounds how many node workers run simultaneously.
	// Zero uses defaultMaxConcurrentNodes.
	MaxConcurrentNodes int

	// DefaultHandlerTimeout is the engine-wide handler timeout consulted by
	// nodeTimeout when a node declares none of its own. Zero falls back to
	// DefaultHandlerTimeout (spec.md §5).
	DefaultHandlerTimeout time.Duration

	// DefaultMaxIteration seeds the tracker's per-(node,epoch) iteration cap
	// for nodes that don't declare their own (NodeDef.MaxIteration == 0).
	DefaultMaxIteration int

	// Metrics, when set, receives Prometheus observations for this Run.
	Metrics *PrometheusMetrics

	// Cost, when set, accumulates LLM spend for nodes whose output envelope
	// carries a "model" meta key alongside token usage.
	Cost *CostTracker
}

func (c EngineConfig) maxConcurrent() int {
	if c.MaxConcurrentNodes > 0 {
		return c.MaxConcurrentNodes
	}
	return defaultMaxConcurrentNodes
}

// Engine drives one Diagram to completion: the main loop described in
// spec.md §4.8, built on the Scheduler (C7), Tracker (C4), TokenBus (C6),
// Handler lifecycle (C3), State Store (C5) and Event Emitter (C11)
// introduced in this package. A single Engine instance is reusable across
// many Run calls against the same diagram — NewScheduler's topological
// bookkeeping is computed once, since the diagram is immutable.
type Engine struct {
	diagram     *Diagram
	registry    *HandlerRegistry
	services    *ServiceRegistry
	scheduler   *Scheduler
	st          store.Store
	emitter     emit.Emitter
	subdiagrams *SubdiagramManager
	cfg         EngineConfig
}

// NewEngine wires the collaborators for one diagram. subdiagrams may be nil
// for diagrams with no sub-diagram nodes.
func NewEngine(diagram *Diagram, registry *HandlerRegistry, services *ServiceRegistry, st store.Store, emitter emit.Emitter, subdiagrams *SubdiagramManager, cfg EngineConfig) *Engine {
	return &Engine{
		diagram:     diagram,
		registry:    registry,
		services:    services,
		scheduler:   NewScheduler(diagram, registry),
		st:          st,
		emitter:     emitter,
		subdiagrams: subdiagrams,
		cfg:         cfg,
	}
}

// workerOutcome is what one node worker reports back to the main loop.
type workerOutcome struct {
	nodeID string
	failed bool
}

// runState is the mutable bookkeeping threaded through one Run call — kept
// off the Engine struct so a single Engine is safe to Run concurrently for
// distinct executions.
type runState struct {
	tracker   *Tracker
	bus       *TokenBus
	aborted   atomic.Bool
	anyFailed atomic.Bool
	inflight  atomic.Int32
	wake      chan struct{}
}

func newRunState(diagram *Diagram, cfg EngineConfig) *runState {
	tracker := NewTracker(cfg.DefaultMaxIteration)
	for id := range diagram.Nodes {
		tracker.InitializeNode(id)
	}
	return &runState{
		tracker: tracker,
		bus:     NewTokenBus(diagram),
		wake:    make(chan struct{}, 1),
	}
}

func (rs *runState) notify() {
	select {
	case rs.wake <- struct{}{}:
	default:
	}
}

// Run executes diagram to completion for one execution id, implementing
// the main loop of spec.md §4.8. Ctx cancellation is treated as an abort
// request: the engine stops dispatching new workers, waits for in-flight
// ones to finish, and finalizes the execution as ABORTED. This is always
// epoch 0 — a fresh wave over a fresh execution.
func (e *Engine) Run(ctx context.Context, executionID string, variables map[string]any) (*ExecutionState, error) {
	if _, err := e.st.CreateExecution(ctx, executionID, e.diagram.ID, variables); err != nil {
		return nil, err
	}

	rs := newRunState(e.diagram, e.cfg)
	return e.execute(ctx, executionID, rs, 0)
}

// Resume restarts a previously persisted execution — after a crash, a
// process restart, or an operator-triggered retry — from its last known
// state. Node states, exec counts, and last outputs are restored from the
// Store via Tracker.LoadStates; any node caught mid-flight (RUNNING when
// persisted) reverts to PENDING so the scheduler offers it again. The
// epoch is bumped so per-epoch iteration caps (I2/I4) reset for the new
// wave instead of carrying over the crashed wave's counts.
func (e *Engine) Resume(ctx context.Context, executionID string) (*ExecutionState, error) {
	state, err := e.st.GetState(ctx, executionID)
	if err != nil {
		return nil, err
	}

	rs := newRunState(e.diagram, e.cfg)

	nodeStates := make(map[string]NodeState, len(state.NodeStates))
	for id, ns := range state.NodeStates {
		if ns.Status == NodeStatusRunning {
			ns.Status = NodeStatusPending
		}
		nodeStates[id] = ns
	}
	outputs := make(map[string]Envelope, len(state.NodeOutputs))
	for nodeID, raw := range state.NodeOutputs {
		if env, derr := DeserializeProtocol(raw); derr == nil {
			outputs[nodeID] = env
		}
	}
	rs.tracker.LoadStates(nodeStates, nil, state.ExecCounts, outputs)

	state.Epoch++
	if err := e.st.SaveState(ctx, state); err != nil {
		return nil, err
	}

	return e.execute(ctx, executionID, rs, state.Epoch)
}

// execute runs the readiness/dispatch loop of spec.md §4.8 against an
// already-initialized runState, shared by a fresh Run and a resumed one.
func (e *Engine) execute(ctx context.Context, executionID string, rs *runState, epoch int) (*ExecutionState, error) {
	if err := e.st.UpdateStatus(ctx, executionID, ExecutionStatusRunning, ""); err != nil {
		return nil, err
	}
	e.publish(Event{ExecutionID: executionID, Type: emit.ExecutionStarted, Status: string(ExecutionStatusRunning), Timestamp: nowSeconds()})

	sem := make(chan struct{}, e.cfg.maxConcurrent())
	outcomes := make(chan workerOutcome, e.cfg.maxConcurrent()*2)
	var wg sync.WaitGroup

loop:
	for {
		if ctx.Err() != nil {
			rs.aborted.Store(true)
		}

		ready := e.scheduler.Ready(e.diagram, rs.tracker, rs.bus, epoch)
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.UpdateQueueDepth(len(ready))
		}

		dispatchedAny := false
		for _, rn := range ready {
			if rs.aborted.Load() {
				break
			}
			node := e.diagram.Nodes[rn.NodeID]

			if rn.MaxIterHit {
				e.finalizeMaxIter(ctx, executionID, rs, node, epoch)
				continue
			}

			dispatchedAny = true
			rs.inflight.Add(1)
			select {
			case sem <- struct{}{}:
			default:
				if e.cfg.Metrics != nil {
					e.cfg.Metrics.IncrementBackpressure(executionID, "max_concurrent")
				}
				sem <- struct{}{}
			}
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.UpdateInflightNodes(int(rs.inflight.Load()))
			}
			wg.Add(1)
			go func(node NodeDef) {
				defer wg.Done()
				defer func() { <-sem }()
				defer rs.inflight.Add(-1)
				outcome := e.runNode(ctx, executionID, rs, node, epoch)
				outcomes <- outcome
				rs.notify()
			}(node)
		}

		// Drain any outcomes reported since the last tick without blocking.
		for drained := true; drained; {
			select {
			case o := <-outcomes:
				if o.failed {
					rs.anyFailed.Store(true)
				}
			default:
				drained = false
			}
		}

		if rs.aborted.Load() && rs.inflight.Load() == 0 {
			break loop
		}
		if !dispatchedAny && rs.inflight.Load() == 0 {
			break loop
		}

		select {
		case <-rs.wake:
		case <-time.After(pollInterval):
		case <-ctx.Done():
			rs.aborted.Store(true)
		}
	}

	wg.Wait()
	close(outcomes)
	for o := range outcomes {
		if o.failed {
			rs.anyFailed.Store(true)
		}
	}

	final := e.finalStatus(rs)
	errMsg := ""
	if final == ExecutionStatusFailed {
		errMsg = "one or more nodes failed"
	}
	if err := e.st.UpdateStatus(ctx, executionID, final, errMsg); err != nil {
		return nil, err
	}

	finalEvent := emit.ExecutionCompleted
	switch final {
	case ExecutionStatusFailed:
		finalEvent = emit.ExecutionFailed
	case ExecutionStatusAborted:
		finalEvent = emit.ExecutionAborted
	}
	e.publish(Event{ExecutionID: executionID, Type: finalEvent, Status: string(final), Timestamp: nowSeconds()})

	return e.st.GetState(ctx, executionID)
}

// finalStatus computes the terminal ExecutionStatus per spec.md §4.8 step 3:
// FAILED if any node failed, ABORTED if externally cancelled, COMPLETED
// otherwise.
func (e *Engine) finalStatus(rs *runState) ExecutionStatus {
	if rs.aborted.Load() {
		return ExecutionStatusAborted
	}
	if rs.anyFailed.Load() {
		return ExecutionStatusFailed
	}
	return ExecutionStatusCompleted
}

// finalizeMaxIter transitions a node straight to MAXITER_REACHED without
// dispatching a worker — the scheduler already determined it hit its
// per-epoch iteration cap (spec.md §4.7 "MAXITER policy").
func (e *Engine) finalizeMaxIter(ctx context.Context, executionID string, rs *runState, node NodeDef, epoch int) {
	rs.tracker.TransitionToRunning(node.ID, epoch)
	output, ok := rs.tracker.GetLastOutput(node.ID)
	var outPtr *Envelope
	if ok {
		outPtr = &output
	}
	_ = rs.tracker.TransitionToMaxIter(node.ID, outPtr)
	_ = e.st.UpdateNodeStatus(ctx, executionID, node.ID, NodeStatusMaxIterReached, "")
	e.publish(Event{ExecutionID: executionID, Type: emit.NodeCompleted, NodeID: node.ID, Status: string(NodeStatusMaxIterReached), Timestamp: nowSeconds()})
}

// runNode drives one node's worker step (spec.md §4.8 step 2b-2c): transition
// to RUNNING, run the handler lifecycle under timeout, and persist the
// outcome. Retrying an individual API call is the job of the handler (via
// ApiInvoker.execute_with_retry, §4.10) — a node that fails here is done.
func (e *Engine) runNode(ctx context.Context, executionID string, rs *runState, node NodeDef, epoch int) workerOutcome {
	start := time.Now()

	// Each (node, attempt) pair gets its own idempotency key before the
	// tracker advances the attempt counter, so a node the scheduler offers
	// twice for the same attempt — a duplicate dispatch racing a resumed
	// wave against in-flight work from the crashed one, or a delivered-twice
	// readiness signal — runs the handler at most once (spec.md §4.5
	// idempotency keys; at-least-once delivery is the non-goal this guards
	// against, not eliminates).
	attempt := rs.tracker.GetExecutionCount(node.ID) + 1
	idempotencyKey := fmt.Sprintf("%s:%d", node.ID, attempt)
	if isFresh, err := e.st.CheckIdempotency(ctx, executionID, idempotencyKey); err == nil && !isFresh {
		// Already-recorded attempt: finalize the node from its last known
		// output rather than re-invoking the handler, and rather than
		// leaving it PENDING — which the scheduler would just re-offer
		// forever, since nothing else ever transitions it off PENDING.
		violation := &IdempotencyViolationError{Key: idempotencyKey}
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.IncrementIdempotencyViolations(executionID, idempotencyKey)
		}
		rs.tracker.TransitionToRunning(node.ID, epoch)
		output, hasOutput := rs.tracker.GetLastOutput(node.ID)
		var outPtr *Envelope
		if hasOutput {
			outPtr = &output
		}
		_ = rs.tracker.TransitionToCompleted(node.ID, outPtr, nil)
		_ = e.st.UpdateNodeStatus(ctx, executionID, node.ID, NodeStatusCompleted, "")
		e.publish(Event{ExecutionID: executionID, Type: emit.NodeCompleted, NodeID: node.ID, Status: string(NodeStatusCompleted), Timestamp: nowSeconds(), Meta: map[string]any{"duplicate_dispatch": violation.Error()}})
		return workerOutcome{nodeID: node.ID}
	}

	rs.tracker.TransitionToRunning(node.ID, epoch)
	_ = e.st.UpdateNodeStatus(ctx, executionID, node.ID, NodeStatusRunning, "")
	e.publish(Event{ExecutionID: executionID, Type: emit.NodeStarted, NodeID: node.ID, Status: string(NodeStatusRunning), Timestamp: nowSeconds()})

	tokens := rs.bus.ConsumeInbound(node.ID)
	inbound := resolveInbound(node, tokens)

	req := NewExecutionRequest(node.ID, node.NodeType, executionID, rs.tracker, e.services, rs.bus)
	req.Inputs = inbound

	factory, err := e.registry.Get(node.NodeType)
	if err != nil {
		e.recordLatency(executionID, node.ID, start, "error")
		return e.handleFailure(ctx, executionID, rs, node, err.Error())
	}

	handler := factory.New()
	timeout := nodeTimeout(node, e.cfg.DefaultHandlerTimeout)
	out, runErr := runLifecycleWithTimeout(ctx, handler, req, inbound, e.services, timeout)

	if runErr != nil {
		status := "error"
		if errors.Is(runErr, context.DeadlineExceeded) {
			status = "timeout"
		}
		e.recordLatency(executionID, node.ID, start, status)
		return e.handleFailure(ctx, executionID, rs, node, runErr.Error())
	}
	if out.HasError() {
		e.recordLatency(executionID, node.ID, start, "error")
		return e.handleFailure(ctx, executionID, rs, node, out.Error())
	}

	usage := extractTokenUsage(out)
	_ = rs.tracker.TransitionToCompleted(node.ID, &out, usage)
	_ = e.st.UpdateNodeOutput(ctx, executionID, node.ID, out, false, usage)
	_ = e.st.UpdateNodeStatus(ctx, executionID, node.ID, NodeStatusCompleted, "")
	if usage != nil {
		_ = e.st.AddLLMUsage(ctx, executionID, *usage)
		if e.cfg.Cost != nil {
			if modelName, ok := out.Meta["model"].(string); ok && modelName != "" {
				_ = e.cfg.Cost.RecordLLMCall(modelName, usage.Input, usage.Output, node.ID)
			}
		}
	}
	e.recordLatency(executionID, node.ID, start, "success")
	e.publish(Event{ExecutionID: executionID, Type: emit.NodeCompleted, NodeID: node.ID, Status: string(NodeStatusCompleted), EnvelopeID: out.ID, Timestamp: nowSeconds()})

	return workerOutcome{nodeID: node.ID}
}

// recordLatency reports one node's step duration to Metrics, if configured.
func (e *Engine) recordLatency(executionID, nodeID string, start time.Time, status string) {
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordStepLatency(executionID, nodeID, time.Since(start), status)
	}
}

// handleFailure finalizes a node as FAILED (spec.md §4.8 step c). The engine
// itself never retries a handler invocation — retry is a service the
// handler opts into by calling ApiInvoker.ExecuteWithRetry, which builds its
// policy from the request's MaxRetries and RetryDelayMs fields (§4.10); the
// node's RetryPolicy is not consulted. By the time control reaches here
// that avenue is exhausted.
func (e *Engine) handleFailure(ctx context.Context, executionID string, rs *runState, node NodeDef, errMsg string) workerOutcome {
	_ = rs.tracker.TransitionToFailed(node.ID, errMsg)
	errEnv := NewEnvelopeFactory().Error(errMsg, "ExecutionError", WithProducedBy(node.ID), WithTraceID(executionID))
	_ = e.st.UpdateNodeOutput(ctx, executionID, node.ID, errEnv, true, nil)
	_ = e.st.UpdateNodeStatus(ctx, executionID, node.ID, NodeStatusFailed, errMsg)
	e.publish(Event{ExecutionID: executionID, Type: emit.NodeFailed, NodeID: node.ID, Status: string(NodeStatusFailed), Timestamp: nowSeconds(), Meta: map[string]any{"error": errMsg}})

	return workerOutcome{nodeID: node.ID, failed: true}
}

// resolveInbound merges inbound tokens with node's resolved diagram inputs:
// a token on a port always wins; a resolved default only fills a port with
// no token waiting (spec.md §4.6's "tokens bypass resolved diagram inputs").
func resolveInbound(node NodeDef, tokens map[string]Envelope) map[string]Envelope {
	if len(node.ResolvedInputs) == 0 {
		return tokens
	}
	out := make(map[string]Envelope, len(tokens)+len(node.ResolvedInputs))
	for port, env := range tokens {
		out[port] = env
	}
	for port, val := range node.ResolvedInputs {
		if _, ok := out[port]; ok {
			continue
		}
		out[port] = NewEnvelopeFactory().JSON(val, WithProducedBy("diagram_defaults"))
	}
	return out
}

// extractTokenUsage reads the LLM token-usage keys an OBJECT envelope's meta
// may carry (the same tokens_in/tokens_out/tokens_cached keys the OTel
// emitter remaps under dipeo.llm.*), or nil if none are present.
func extractTokenUsage(env Envelope) *TokenUsage {
	in, hasIn := intMeta(env.Meta, "tokens_in")
	out, hasOut := intMeta(env.Meta, "tokens_out")
	cached, hasCached := intMeta(env.Meta, "tokens_cached")
	if !hasIn && !hasOut && !hasCached {
		return nil
	}
	return &TokenUsage{Input: in, Output: out, Cached: cached}
}

func intMeta(meta map[string]any, key string) (int, bool) {
	v, ok := meta[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// Event is this package's view of an emitted notification, re-expressed in
// terms of engine.NodeStatus/ExecutionStatus so callers in this package
// never import emit.Type directly. publish translates it to emit.Event.
type Event struct {
	ExecutionID string
	Type        emit.Type
	NodeID      string
	Status      string
	EnvelopeID  string
	Timestamp   float64
	Meta        map[string]any
}

func (e *Engine) publish(ev Event) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(emit.Event{
		ExecutionID: ev.ExecutionID,
		Type:        ev.Type,
		NodeID:      ev.NodeID,
		Status:      ev.Status,
		EnvelopeID:  ev.EnvelopeID,
		Timestamp:   ev.Timestamp,
		Meta:        ev.Meta,
	})
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
