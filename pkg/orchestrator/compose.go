package orchestrator

import (
	"fmt"
	"os"
	"sort"

	"github.com/clonebox-dev/clonebox/pkg/types"
	"gopkg.in/yaml.v3"
)

// composeDocument is the on-disk shape of a compose file: a named set of
// VMs and the edges between them. Name ordering in the document is not
// meaningful — BuildLevels derives execution order from DependsOn, not
// from document position.
type composeDocument struct {
	VMs map[string]composeVMEntry `yaml:"vms"`
}

type composeVMEntry struct {
	Config      string            `yaml:"config"`
	DependsOn   []string          `yaml:"depends_on"`
	HealthGate  string            `yaml:"health_gate"`
	Environment map[string]string `yaml:"environment"`
}

// ParseCompose decodes a compose document into the OrchestratedVM set the
// graph functions and Manager operate on. vm.ConfigSource carries each
// entry's "config" value unchanged — it is the caller's Resolver that
// decides whether that's a file path, an inline fragment, or something
// else.
func ParseCompose(data []byte) ([]types.OrchestratedVM, error) {
	var doc composeDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse compose document: %w", err)
	}

	names := make([]string, 0, len(doc.VMs))
	for name := range doc.VMs {
		names = append(names, name)
	}
	sort.Strings(names)

	vms := make([]types.OrchestratedVM, 0, len(names))
	for _, name := range names {
		entry := doc.VMs[name]
		vm := types.OrchestratedVM{
			Name:         name,
			ConfigSource: entry.Config,
			DependsOn:    entry.DependsOn,
			Environment:  entry.Environment,
			State:        types.OrchestratedPending,
		}
		if entry.HealthGate != "" {
			gate := entry.HealthGate
			vm.HealthGate = &gate
		}
		vms = append(vms, vm)
	}
	return vms, nil
}

// LoadComposeFile reads and parses a compose document from path.
func LoadComposeFile(path string) ([]types.OrchestratedVM, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read compose file %s: %w", path, err)
	}
	return ParseCompose(data)
}
