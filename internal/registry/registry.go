// Package registry holds the query-to-metric mapping definitions the
// exporter polls. The registry is loaded once at startup and never
// mutated afterwards, so it is safe for concurrent readers.
package registry

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Usage decides how a result column is published.
type Usage string

const (
	Label   Usage = "LABEL"
	Gauge   Usage = "GAUGE"
	Counter Usage = "COUNTER"
)

func (u Usage) valid() bool {
	switch u {
	case Label, Gauge, Counter:
		return true
	}
	return false
}

// ColumnMapping ties one result column to a metric role.
type ColumnMapping struct {
	Column      string
	Usage       Usage
	Description string
}

// QueryDefinition is a named SQL statement plus the ordered mappings for
// the columns it returns.
type QueryDefinition struct {
	Name    string
	Query   string
	Metrics []ColumnMapping
}

// LabelColumns returns the names of the LABEL columns, in file order.
func (q QueryDefinition) LabelColumns() []string {
	var labels []string
	for _, m := range q.Metrics {
		if m.Usage == Label {
			labels = append(labels, m.Column)
		}
	}
	return labels
}

// ValueColumns returns the GAUGE and COUNTER mappings, in file order.
func (q QueryDefinition) ValueColumns() []ColumnMapping {
	var values []ColumnMapping
	for _, m := range q.Metrics {
		if m.Usage != Label {
			values = append(values, m)
		}
	}
	return values
}

// Registry is an ordered, immutable set of query definitions.
type Registry struct {
	defs  []QueryDefinition
	index map[string]int
}

var ErrNotFound = errors.New("query definition not found")

// LoadFile reads and parses a queries file.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening queries file: %v", err)
	}
	defer f.Close()
	reg, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	return reg, nil
}

// Load parses a YAML mapping of query-name to definition. Definitions
// keep the order they appear in, as do the metric mappings within each
// definition. Any malformed entry fails the whole load; the exporter
// must not start with an ambiguous metric schema.
func Load(r io.Reader) (*Registry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading queries: %v", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parsing queries: %v", err)
	}

	reg := &Registry{index: make(map[string]int)}
	if len(root.Content) == 0 {
		return reg, nil
	}

	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: queries file must be a mapping of query names", doc.Line)
	}

	for i := 0; i < len(doc.Content); i += 2 {
		key, val := doc.Content[i], doc.Content[i+1]
		name := key.Value
		if name == "" {
			return nil, fmt.Errorf("line %d: empty query name", key.Line)
		}
		if _, dup := reg.index[name]; dup {
			return nil, fmt.Errorf("line %d: duplicate query name %q", key.Line, name)
		}
		def, err := decodeDefinition(name, val)
		if err != nil {
			return nil, err
		}
		reg.index[name] = len(reg.defs)
		reg.defs = append(reg.defs, def)
	}
	return reg, nil
}

func decodeDefinition(name string, n *yaml.Node) (QueryDefinition, error) {
	def := QueryDefinition{Name: name}
	if n.Kind != yaml.MappingNode {
		return def, fmt.Errorf("line %d: query %q: definition must be a mapping", n.Line, name)
	}

	var metricsNode *yaml.Node
	for i := 0; i < len(n.Content); i += 2 {
		key, val := n.Content[i], n.Content[i+1]
		switch key.Value {
		case "query":
			def.Query = val.Value
		case "metrics":
			metricsNode = val
		default:
			return def, fmt.Errorf("line %d: query %q: unknown key %q", key.Line, name, key.Value)
		}
	}

	if def.Query == "" {
		return def, fmt.Errorf("query %q: missing query text", name)
	}
	if metricsNode == nil || len(metricsNode.Content) == 0 {
		return def, fmt.Errorf("query %q: at least one metric mapping is required", name)
	}
	if metricsNode.Kind != yaml.SequenceNode {
		return def, fmt.Errorf("line %d: query %q: metrics must be a sequence", metricsNode.Line, name)
	}

	seen := make(map[string]struct{})
	for _, item := range metricsNode.Content {
		m, err := decodeMapping(name, item)
		if err != nil {
			return def, err
		}
		if _, dup := seen[m.Column]; dup {
			return def, fmt.Errorf("line %d: query %q: duplicate column %q", item.Line, name, m.Column)
		}
		seen[m.Column] = struct{}{}
		def.Metrics = append(def.Metrics, m)
	}
	return def, nil
}

func decodeMapping(name string, n *yaml.Node) (ColumnMapping, error) {
	var m ColumnMapping
	// Each entry is a single-key mapping: column name -> attributes.
	if n.Kind != yaml.MappingNode || len(n.Content) != 2 {
		return m, fmt.Errorf("line %d: query %q: metric entries must be single-key mappings", n.Line, name)
	}
	m.Column = n.Content[0].Value

	var attrs struct {
		Usage       string `yaml:"usage"`
		Description string `yaml:"description"`
	}
	if err := n.Content[1].Decode(&attrs); err != nil {
		return m, fmt.Errorf("query %q: column %q: %v", name, m.Column, err)
	}

	m.Usage = Usage(attrs.Usage)
	if !m.Usage.valid() {
		return m, fmt.Errorf("line %d: query %q: column %q: unknown usage %q (want LABEL, GAUGE or COUNTER)",
			n.Line, name, m.Column, attrs.Usage)
	}
	m.Description = attrs.Description
	return m, nil
}

// Get looks a definition up by name.
func (r *Registry) Get(name string) (QueryDefinition, error) {
	i, ok := r.index[name]
	if !ok {
		return QueryDefinition{}, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return r.defs[i], nil
}

// All returns the definitions in file order.
func (r *Registry) All() []QueryDefinition {
	out := make([]QueryDefinition, len(r.defs))
	copy(out, r.defs)
	return out
}

// Len reports the number of definitions.
func (r *Registry) Len() int {
	return len(r.defs)
}

// Marshal serializes the registry back to the queries file format.
// Loading the output yields an identical registry.
func (r *Registry) Marshal() ([]byte, error) {
	doc := &yaml.Node{Kind: yaml.MappingNode}
	for _, def := range r.defs {
		metrics := &yaml.Node{Kind: yaml.SequenceNode}
		for _, m := range def.Metrics {
			metrics.Content = append(metrics.Content, &yaml.Node{
				Kind: yaml.MappingNode,
				Content: []*yaml.Node{
					scalar(m.Column),
					{
						Kind: yaml.MappingNode,
						Content: []*yaml.Node{
							scalar("usage"), scalar(string(m.Usage)),
							scalar("description"), scalar(m.Description),
						},
					},
				},
			})
		}
		doc.Content = append(doc.Content,
			scalar(def.Name),
			&yaml.Node{
				Kind: yaml.MappingNode,
				Content: []*yaml.Node{
					scalar("query"), scalar(def.Query),
					scalar("metrics"), metrics,
				},
			})
	}
	return yaml.Marshal(doc)
}

func scalar(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
}
