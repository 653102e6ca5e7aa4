package engine

import "sort"

// ReadyNode is one scheduler decision: either genuinely ready to run, or a
// MAXITER_REACHED node the engine must finalize instead of running
// (spec.md §4.7 "MAXITER policy").
type ReadyNode struct {
	NodeID     string
	MaxIterHit bool
}

// Scheduler implements the pull-based readiness model of spec.md §4.7: at
// each tick the engine asks which nodes are ready. The scheduler holds no
// mutable state of its own beyond ordering bookkeeping computed once at
// construction — state[n], token presence, and iteration counts all live
// in the Tracker and the TokenBus handed to Ready on every call.
type Scheduler struct {
	registry *HandlerRegistry

	// insertionOrder is the node's position in the diagram, used as the
	// tie-break after topological order (spec.md §4.7 "Tie-breaking").
	insertionOrder map[string]int
	topoRank       map[string]int
}

// NewScheduler computes topological ranks once at construction (the
// diagram is immutable for the lifetime of an execution).
func NewScheduler(diagram *Diagram, registry *HandlerRegistry) *Scheduler {
	s := &Scheduler{
		registry:       registry,
		insertionOrder: map[string]int{},
	}

	for i, id := range diagram.NodeOrder() {
		s.insertionOrder[id] = i
	}
	s.topoRank = computeTopoRank(diagram)

	return s
}

// computeTopoRank assigns each node its longest-path-from-a-root depth, so
// parents always sort before children (Kahn's algorithm variant; cycles
// are expected in loop-bearing diagrams and simply stop propagating rank
// past the point a back-edge is discovered).
func computeTopoRank(d *Diagram) map[string]int {
	rank := map[string]int{}
	for id := range d.Nodes {
		rank[id] = 0
	}

	indegree := map[string]int{}
	for id := range d.Nodes {
		indegree[id] = 0
	}
	for _, e := range d.Edges {
		indegree[e.ToNode]++
	}

	queue := []string{}
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := map[string]bool{}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if visited[n] {
			continue
		}
		visited[n] = true

		next := []string{}
		for _, e := range d.Edges {
			if e.FromNode != n {
				continue
			}
			if rank[e.ToNode] < rank[n]+1 {
				rank[e.ToNode] = rank[n] + 1
			}
			indegree[e.ToNode]--
			if indegree[e.ToNode] == 0 && !visited[e.ToNode] {
				next = append(next, e.ToNode)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
	}

	return rank
}

// Ready evaluates spec.md §4.7's four readiness rules for every PENDING
// node and returns the ready set in topological → insertion → lexicographic
// order. A node whose rule 3 alone fails is still returned, with
// MaxIterHit set, so the engine can finalize it as MAXITER_REACHED instead
// of silently dropping it.
func (s *Scheduler) Ready(diagram *Diagram, tracker *Tracker, bus *TokenBus, currentEpoch int) []ReadyNode {
	candidates := []string{}

	for id, node := range diagram.Nodes {
		state, ok := tracker.GetNodeState(id)
		if ok && state.Status != NodeStatusPending {
			continue
		}

		if !s.portsSatisfied(diagram, node, bus) {
			continue
		}

		factory, err := s.registry.Get(node.NodeType)
		if err != nil {
			continue
		}

		if !tracker.CanExecuteInLoop(id, currentEpoch, node.MaxIteration) {
			candidates = append(candidates, id)
			continue
		}

		if factory.Validate != nil {
			req := NewExecutionRequest(id, node.NodeType, "", tracker, nil, bus)
			if msg := factory.Validate(req); msg != "" {
				continue
			}
		}

		candidates = append(candidates, id)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if s.topoRank[a] != s.topoRank[b] {
			return s.topoRank[a] < s.topoRank[b]
		}
		if s.insertionOrder[a] != s.insertionOrder[b] {
			return s.insertionOrder[a] < s.insertionOrder[b]
		}
		return a < b
	})

	out := make([]ReadyNode, 0, len(candidates))
	for _, id := range candidates {
		node := diagram.Nodes[id]
		hit := !tracker.CanExecuteInLoop(id, currentEpoch, node.MaxIteration)
		out = append(out, ReadyNode{NodeID: id, MaxIterHit: hit})
	}
	return out
}

// portsSatisfied implements rule 2: every required port either has a
// pending token, a resolved diagram input, or is optional.
func (s *Scheduler) portsSatisfied(diagram *Diagram, node NodeDef, bus *TokenBus) bool {
	schema, ok := diagram.Schema[node.NodeType]
	if !ok {
		return true
	}
	for _, port := range schema.RequiredPorts {
		if bus.HasPending(node.ID, port) {
			continue
		}
		if _, ok := node.ResolvedInputs[port]; ok {
			continue
		}
		return false
	}
	return true
}
