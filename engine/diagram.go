package engine

import "time"

// NodeDef is one node's static definition within a Diagram: its type (which
// selects a HandlerFactory), declared schema, and node-level configuration
// consulted by the scheduler and tracker (timeout, max_iteration).
type NodeDef struct {
	ID       string
	NodeType string

	// MaxIteration overrides the tracker's default per-(node, epoch) cap.
	// Zero means "use the tracker default".
	MaxIteration int

	// Retry is the node's retry policy as loaded from the diagram file. The
	// engine does not read it and never retries a failed node itself.
	Retry *RetryPolicy

	// Timeout overrides the handler default timeout (spec.md §5 "Handler
	// timeouts"); zero means "use the handler/engine default".
	Timeout time.Duration

	// ResolvedInputs are the diagram-level default inputs used when no
	// token is present on a required/optional port (spec.md §4.6's
	// "resolved diagram inputs" fallback).
	ResolvedInputs map[string]any
}

// PortEdge connects one producer's output port to one consumer's input
// port. A diagram may declare several edges out of the same
// (from node, from port) pair, fanning one output to several consumers.
type PortEdge struct {
	FromNode string
	FromPort string
	ToNode   string
	ToPort   string
}

// Diagram is the static, immutable description of a runnable graph: its
// nodes, the edges connecting their ports, and each node type's schema
// (spec.md §4.7's readiness rules 1-2 consult Schema and Edges together).
type Diagram struct {
	ID     string
	Nodes  map[string]NodeDef
	Edges  []PortEdge
	Schema map[string]NodeSchema // keyed by NodeType

	// nodeOrder is the order nodes were added in, since Nodes is a map and
	// loses it. The scheduler's insertion-order tie-break (spec.md §4.7)
	// reads this rather than re-deriving an order from the map.
	nodeOrder []string
}

// NewDiagram returns an empty diagram with the given id.
func NewDiagram(id string) *Diagram {
	return &Diagram{
		ID:     id,
		Nodes:  map[string]NodeDef{},
		Edges:  []PortEdge{},
		Schema: map[string]NodeSchema{},
	}
}

// AddNode registers a node definition, recording its declaration order on
// first add. Re-adding an existing node ID updates its definition without
// moving its position in that order.
func (d *Diagram) AddNode(n NodeDef) {
	if _, exists := d.Nodes[n.ID]; !exists {
		d.nodeOrder = append(d.nodeOrder, n.ID)
	}
	d.Nodes[n.ID] = n
}

// NodeOrder returns node IDs in the order they were added to the diagram.
func (d *Diagram) NodeOrder() []string {
	return d.nodeOrder
}

// AddEdge registers a port-to-port edge.
func (d *Diagram) AddEdge(e PortEdge) { d.Edges = append(d.Edges, e) }

// EdgesFrom returns every edge leaving (nodeID, port), in declaration order.
func (d *Diagram) EdgesFrom(nodeID, port string) []PortEdge {
	out := []PortEdge{}
	for _, e := range d.Edges {
		if e.FromNode == nodeID && e.FromPort == port {
			out = append(out, e)
		}
	}
	return out
}

// EdgesTo returns every edge arriving at (nodeID, port), in declaration
// order — used by the scheduler to enumerate a node's producers per port.
func (d *Diagram) EdgesTo(nodeID, port string) []PortEdge {
	out := []PortEdge{}
	for _, e := range d.Edges {
		if e.ToNode == nodeID && e.ToPort == port {
			out = append(out, e)
		}
	}
	return out
}

// InboundPorts returns the distinct ToPort values of every edge arriving at
// nodeID, in first-seen declaration order.
func (d *Diagram) InboundPorts(nodeID string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, e := range d.Edges {
		if e.ToNode == nodeID && !seen[e.ToPort] {
			seen[e.ToPort] = true
			out = append(out, e.ToPort)
		}
	}
	return out
}
