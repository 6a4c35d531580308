package detection

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// LoadNames reads label names from an ultralytics data.yaml. The names key
// may be a list or an index-keyed map.
func LoadNames(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read names file: %w", err)
	}

	var doc struct {
		Names yaml.Node `yaml:"names"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if doc.Names.Kind == 0 {
		return nil, fmt.Errorf("%s has no names key", path)
	}
	return decodeNames(&doc.Names)
}

// ParseNamesMetadata decodes the "names" metadata entry that ultralytics
// writes into exported models, e.g. {0: 'bibimbap', 1: 'bulgogi'}. That
// form is a valid YAML flow mapping.
func ParseNamesMetadata(s string) ([]string, error) {
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(s), &node); err != nil {
		return nil, fmt.Errorf("failed to parse names metadata: %w", err)
	}
	if node.Kind == yaml.DocumentNode && len(node.Content) == 1 {
		return decodeNames(node.Content[0])
	}
	return nil, fmt.Errorf("unexpected names metadata %q", s)
}

func decodeNames(node *yaml.Node) ([]string, error) {
	switch node.Kind {
	case yaml.SequenceNode:
		var names []string
		if err := node.Decode(&names); err != nil {
			return nil, fmt.Errorf("failed to decode names list: %w", err)
		}
		return names, nil

	case yaml.MappingNode:
		var byIndex map[int]string
		if err := node.Decode(&byIndex); err != nil {
			return nil, fmt.Errorf("failed to decode names map: %w", err)
		}
		indices := make([]int, 0, len(byIndex))
		for i := range byIndex {
			if i < 0 {
				return nil, fmt.Errorf("negative class index %d", i)
			}
			indices = append(indices, i)
		}
		sort.Ints(indices)
		if len(indices) == 0 {
			return nil, nil
		}

		names := make([]string, indices[len(indices)-1]+1)
		for i := range names {
			if name, ok := byIndex[i]; ok {
				names[i] = name
			} else {
				names[i] = fmt.Sprintf("class_%d", i)
			}
		}
		return names, nil

	default:
		return nil, fmt.Errorf("names must be a list or a map")
	}
}
