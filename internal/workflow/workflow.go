// Package workflow loads ComfyUI API-format workflow templates and binds
// request parameters into them.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
)

// MaxSeed is the upper bound (inclusive) for generated seeds.
const MaxSeed = 1_000_000_000

var (
	ErrNodeNotFound    = errors.New("workflow node not found")
	ErrInvalidTemplate = errors.New("invalid workflow template")
)

// Descriptor is a job graph keyed by node id. It is submitted as-is; the
// remote service owns schema validation.
type Descriptor map[string]*Node

// Node is one step of the graph.
type Node struct {
	ClassType string          `json:"class_type"`
	Inputs    map[string]any  `json:"inputs"`
	Meta      json.RawMessage `json:"_meta,omitempty"`
}

// Override pins a single node input to a fixed value, e.g. a checkpoint name.
type Override struct {
	Node  string
	Input string
	Value string
}

// Bindings says which nodes receive the request parameters.
type Bindings struct {
	PositiveNode string
	NegativeNode string
	SeedNode     string
	Overrides    []Override
}

// Params are the per-request values substituted into the template.
type Params struct {
	PositivePrompt string
	NegativePrompt string
	Seed           int64
}

// Load reads and parses a template file.
func Load(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow template: %w", err)
	}
	return Parse(data)
}

// Parse decodes an API-format workflow document.
func Parse(data []byte) (Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	if len(d) == 0 {
		return nil, fmt.Errorf("%w: no nodes", ErrInvalidTemplate)
	}
	for id, n := range d {
		if n == nil {
			return nil, fmt.Errorf("%w: node %s is null", ErrInvalidTemplate, id)
		}
		if n.Inputs == nil {
			n.Inputs = map[string]any{}
		}
	}
	return d, nil
}

// Apply writes params and overrides into d in place.
func Apply(d Descriptor, b Bindings, p Params) error {
	if err := d.SetInput(b.PositiveNode, "text", p.PositivePrompt); err != nil {
		return err
	}
	if err := d.SetInput(b.NegativeNode, "text", p.NegativePrompt); err != nil {
		return err
	}
	if err := d.SetInput(b.SeedNode, "seed", p.Seed); err != nil {
		return err
	}
	for _, o := range b.Overrides {
		if err := d.SetInput(o.Node, o.Input, o.Value); err != nil {
			return err
		}
	}
	return nil
}

// SetInput sets inputs[name] on the given node.
func (d Descriptor) SetInput(nodeID, name string, value any) error {
	n, ok := d[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	n.Inputs[name] = value
	return nil
}

// RandomSeed returns a seed in [1, MaxSeed].
func RandomSeed() int64 {
	return rand.Int64N(MaxSeed) + 1
}

// ParseOverrides parses a comma-separated list of node.input=value entries.
func ParseOverrides(s string) ([]Override, error) {
	var out []Override
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("override %q: expected node.input=value", entry)
		}
		node, input, ok := strings.Cut(key, ".")
		if !ok || node == "" || input == "" {
			return nil, fmt.Errorf("override %q: expected node.input=value", entry)
		}
		out = append(out, Override{Node: node, Input: input, Value: value})
	}
	return out, nil
}
