package engine

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// diagramDocument is the on-disk YAML shape of a diagram definition: plain
// struct tags decoded with yaml.Unmarshal, no schema-generation framework.
type diagramDocument struct {
	ID     string                    `yaml:"id"`
	Nodes  []nodeDocument            `yaml:"nodes"`
	Edges  []edgeDocument            `yaml:"edges"`
	Schema map[string]schemaDocument `yaml:"schema"`
}

type nodeDocument struct {
	ID             string         `yaml:"id"`
	Type           string         `yaml:"type"`
	MaxIteration   int            `yaml:"max_iteration"`
	TimeoutSeconds float64        `yaml:"timeout_seconds"`
	ResolvedInputs map[string]any `yaml:"resolved_inputs"`
	Retry          *retryDocument `yaml:"retry"`
}

type retryDocument struct {
	Strategy       string  `yaml:"strategy"`
	MaxAttempts    int     `yaml:"max_attempts"`
	InitialDelayMs int     `yaml:"initial_delay_ms"`
	MaxDelayMs     int     `yaml:"max_delay_ms"`
	BackoffFactor  float64 `yaml:"backoff_factor"`
	Jitter         bool    `yaml:"jitter"`
}

type edgeDocument struct {
	FromNode string `yaml:"from_node"`
	FromPort string `yaml:"from_port"`
	ToNode   string `yaml:"to_node"`
	ToPort   string `yaml:"to_port"`
}

type schemaDocument struct {
	RequiredPorts []string `yaml:"required_ports"`
	OptionalPorts []string `yaml:"optional_ports"`
}

// LoadDiagramYAML reads a diagram definition from path and builds a
// runnable Diagram. This is the declarative counterpart to constructing a
// Diagram programmatically via AddNode/AddEdge — a diagram authored as a
// file rather than assembled by caller code.
func LoadDiagramYAML(path string) (*Diagram, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("engine: read diagram file: %w", err)
	}
	return ParseDiagramYAML(data)
}

// ParseDiagramYAML builds a Diagram from raw YAML bytes.
func ParseDiagramYAML(data []byte) (*Diagram, error) {
	var doc diagramDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("engine: parse diagram yaml: %w", err)
	}
	if doc.ID == "" {
		return nil, fmt.Errorf("engine: diagram yaml missing id")
	}

	d := NewDiagram(doc.ID)

	for _, n := range doc.Nodes {
		if n.ID == "" || n.Type == "" {
			return nil, fmt.Errorf("engine: diagram yaml node missing id or type")
		}
		node := NodeDef{
			ID:             n.ID,
			NodeType:       n.Type,
			MaxIteration:   n.MaxIteration,
			Timeout:        time.Duration(n.TimeoutSeconds * float64(time.Second)),
			ResolvedInputs: n.ResolvedInputs,
		}
		if n.Retry != nil {
			rp, err := NewRetryPolicy(
				n.Retry.MaxAttempts,
				n.Retry.InitialDelayMs,
				n.Retry.MaxDelayMs,
				RetryStrategy(n.Retry.Strategy),
				n.Retry.BackoffFactor,
				n.Retry.Jitter,
			)
			if err != nil {
				return nil, fmt.Errorf("engine: node %s retry policy: %w", n.ID, err)
			}
			node.Retry = &rp
		}
		d.AddNode(node)
	}

	for _, e := range doc.Edges {
		d.AddEdge(PortEdge{FromNode: e.FromNode, FromPort: e.FromPort, ToNode: e.ToNode, ToPort: e.ToPort})
	}

	for nodeType, s := range doc.Schema {
		d.Schema[nodeType] = NodeSchema{
			NodeType:      nodeType,
			RequiredPorts: s.RequiredPorts,
			OptionalPorts: s.OptionalPorts,
		}
	}

	return d, nil
}
