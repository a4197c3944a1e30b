package config

import (
	"fmt"
	"os"

	"github.com/cuemby/ctld/pkg/state"
	"gopkg.in/yaml.v3"
)

// dumpDoc is the shape DumpYAML writes: a debug snapshot of the live
// configuration and node/partition names, for operators diffing a running
// controller's effective config against ctld.conf. The config file format
// itself stays key=value; this is a read-only diagnostic dump, never a
// second input format.
type dumpDoc struct {
	APIVersion string         `yaml:"apiVersion"`
	Kind       string         `yaml:"kind"`
	Config     map[string]any `yaml:"config"`
	Nodes      []string       `yaml:"nodes"`
	Partitions []string       `yaml:"partitions"`
}

// DumpYAML writes the controller's effective, reconciled configuration to
// path as YAML; cmd/ctld calls it when the daemon runs at debug3
// verbosity (-vvv) or higher.
func DumpYAML(s *state.Store, path string) error {
	doc := dumpDoc{
		APIVersion: "ctld/v1",
		Kind:       "ControllerConfig",
	}
	if s.Config != nil {
		doc.Config = map[string]any{
			"controlHosts":      s.Config.ControlHosts,
			"listenPort":        s.Config.ListenPort,
			"stateSaveDir":      s.Config.StateSaveDir,
			"schedType":         s.Config.SchedType,
			"fastSchedule":      s.Config.FastSchedule,
			"defaultPartition":  s.Config.DefaultPartition,
		}
	}
	for _, n := range s.Nodes() {
		if n != nil {
			doc.Nodes = append(doc.Nodes, n.Name)
		}
	}
	for _, p := range s.Partitions() {
		if p != nil {
			doc.Partitions = append(doc.Partitions, p.Name)
		}
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config: marshal yaml dump: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
