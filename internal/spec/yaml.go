package spec

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Parse decodes a spec document. The spec's `!Job`, `!JobArray`, and
// `!JobGroup` tags select the concrete variant; a blank tag defaults to
// `!Job`, matching the most common case in hand-written specs.
func Parse(data []byte) (Spec, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("parse spec: %w", err)
	}
	if len(node.Content) == 0 {
		return nil, fmt.Errorf("parse spec: empty document")
	}
	return decodeNode(node.Content[0])
}

func decodeNode(node *yaml.Node) (Spec, error) {
	kind := tagKind(node.Tag)
	switch kind {
	case KindJobArray:
		var raw jobArrayYAML
		if err := node.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode JobArray: %w", err)
		}
		jobs, err := decodeJobsField(raw.Jobs)
		if err != nil {
			return nil, err
		}
		return &JobArray{Common: raw.Common, Repeats: effectiveRepeats(raw.Repeats), Jobs: jobs}, nil
	case KindJobGroup:
		var raw jobGroupYAML
		if err := node.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode JobGroup: %w", err)
		}
		jobs, err := decodeJobsField(raw.Jobs)
		if err != nil {
			return nil, err
		}
		return &JobGroup{Common: raw.Common, Jobs: jobs}, nil
	default:
		var job Job
		if err := node.Decode(&job); err != nil {
			return nil, fmt.Errorf("decode Job: %w", err)
		}
		return &job, nil
	}
}

// jobArrayYAML/jobGroupYAML mirror JobArray/JobGroup but decode Jobs as
// raw nodes so each element's own tag can select its variant.
type jobArrayYAML struct {
	Common  `yaml:",inline"`
	Repeats int         `yaml:"repeats"`
	Jobs    []yaml.Node `yaml:"jobs"`
}

type jobGroupYAML struct {
	Common `yaml:",inline"`
	Jobs   []yaml.Node `yaml:"jobs"`
}

func decodeJobsField(nodes []yaml.Node) ([]Spec, error) {
	out := make([]Spec, 0, len(nodes))
	for i := range nodes {
		child, err := decodeNode(&nodes[i])
		if err != nil {
			return nil, fmt.Errorf("job[%d]: %w", i, err)
		}
		out = append(out, child)
	}
	return out, nil
}

func effectiveRepeats(r int) int {
	if r < 1 {
		return 1
	}
	return r
}

func tagKind(tag string) Kind {
	switch tag {
	case "!JobArray":
		return KindJobArray
	case "!JobGroup":
		return KindJobGroup
	case "!Job":
		return KindJob
	default:
		return KindJob
	}
}

// Dump serialises spec back to YAML, restoring the `!Job`/`!JobArray`/
// `!JobGroup` tag so a later Parse round-trips it. This is the operation
// the base layer uses to write `spec.yaml` into the tracking directory on
// setup.
func Dump(s Spec) ([]byte, error) {
	node, err := encodeNode(s)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(node)
}

func encodeNode(s Spec) (*yaml.Node, error) {
	var payload interface{}
	var tag string
	switch v := s.(type) {
	case *Job:
		payload = v
		tag = "!Job"
	case *JobArray:
		children := make([]*yaml.Node, 0, len(v.Jobs))
		for _, j := range v.Jobs {
			n, err := encodeNode(j)
			if err != nil {
				return nil, err
			}
			children = append(children, n)
		}
		mid := struct {
			Common  `yaml:",inline"`
			Repeats int `yaml:"repeats"`
		}{Common: v.Common, Repeats: v.Repeats}
		var base yaml.Node
		if err := base.Encode(mid); err != nil {
			return nil, err
		}
		appendJobsSeq(&base, children)
		base.Tag = "!JobArray"
		return &base, nil
	case *JobGroup:
		children := make([]*yaml.Node, 0, len(v.Jobs))
		for _, j := range v.Jobs {
			n, err := encodeNode(j)
			if err != nil {
				return nil, err
			}
			children = append(children, n)
		}
		var base yaml.Node
		if err := base.Encode(v.Common); err != nil {
			return nil, err
		}
		appendJobsSeq(&base, children)
		base.Tag = "!JobGroup"
		return &base, nil
	default:
		return nil, fmt.Errorf("encode spec: unknown variant %T", s)
	}
	var node yaml.Node
	if err := node.Encode(payload); err != nil {
		return nil, err
	}
	node.Tag = tag
	return &node, nil
}

func appendJobsSeq(base *yaml.Node, children []*yaml.Node) {
	seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq", Content: children}
	key := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "jobs"}
	base.Content = append(base.Content, key, seq)
}
