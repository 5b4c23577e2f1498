package declare

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/cyberrange/pkg/types"
)

// APIVersion is the only accepted resource apiVersion
const APIVersion = "cyberrange/v1"

// Resource kinds
const (
	KindTemplate = "Template"
	KindRange    = "Range"
)

// Resource is one YAML document of a declaration file
type Resource struct {
	APIVersion string    `yaml:"apiVersion"`
	Kind       string    `yaml:"kind"`
	Metadata   Metadata  `yaml:"metadata"`
	Spec       yaml.Node `yaml:"spec"`
}

// Metadata identifies a resource
type Metadata struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// TemplateSpec is the spec of a Template resource
type TemplateSpec struct {
	Image        string             `yaml:"image"`
	Disk         *types.ArtifactRef `yaml:"disk,omitempty"`
	Command      []string           `yaml:"command,omitempty"`
	Env          []string           `yaml:"env,omitempty"`
	Ports        []string           `yaml:"ports,omitempty"`
	ConfigScript string             `yaml:"configScript,omitempty"`
	HealthCheck  *types.HealthCheck `yaml:"healthCheck,omitempty"`
	Resources    types.Resources    `yaml:"resources"`
}

// Range is a declared range. Networks are referenced by name and templates
// by name or id, so a declaration can be written before anything exists.
type Range struct {
	Name        string    `json:"name" yaml:"-"`
	Description string    `json:"description,omitempty" yaml:"-"`
	Networks    []Network `json:"networks" yaml:"networks"`
	VMs         []VM      `json:"vms" yaml:"vms"`
}

// Network is a declared network
type Network struct {
	Name      string               `json:"name" yaml:"name"`
	Subnet    string               `json:"subnet" yaml:"subnet"`
	Gateway   string               `json:"gateway,omitempty" yaml:"gateway,omitempty"`
	Isolation types.IsolationLevel `json:"isolation,omitempty" yaml:"isolation,omitempty"`
}

// VM is a declared VM
type VM struct {
	Hostname  string          `json:"hostname" yaml:"hostname"`
	Network   string          `json:"network" yaml:"network"`
	Template  string          `json:"template" yaml:"template"`
	Snapshot  string          `json:"snapshot,omitempty" yaml:"snapshot,omitempty"`
	IP        string          `json:"ip" yaml:"ip"`
	Resources types.Resources `json:"resources,omitempty" yaml:"resources,omitempty"`
}

// File is the decoded content of a declaration file
type File struct {
	Templates []*types.Template
	Ranges    []*Range
}

// Load reads a declaration file
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes every YAML document in r
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	out := &File{}
	for i := 0; ; i++ {
		var res Resource
		if err := dec.Decode(&res); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("document %d: failed to parse YAML: %w", i+1, err)
		}
		if res.Kind == "" && res.Metadata.Name == "" {
			continue
		}
		if err := out.add(&res); err != nil {
			return nil, fmt.Errorf("document %d: %w", i+1, err)
		}
	}
	if len(out.Templates) == 0 && len(out.Ranges) == 0 {
		return nil, errors.New("no resources found")
	}
	return out, nil
}

func (f *File) add(res *Resource) error {
	if res.APIVersion != APIVersion {
		return fmt.Errorf("unsupported apiVersion %q (want %s)", res.APIVersion, APIVersion)
	}
	if res.Metadata.Name == "" {
		return fmt.Errorf("%s: metadata.name is required", res.Kind)
	}

	switch res.Kind {
	case KindTemplate:
		var spec TemplateSpec
		if err := res.Spec.Decode(&spec); err != nil {
			return fmt.Errorf("template %s: %w", res.Metadata.Name, err)
		}
		f.Templates = append(f.Templates, &types.Template{
			Name:         res.Metadata.Name,
			Image:        spec.Image,
			Disk:         spec.Disk,
			Command:      spec.Command,
			Env:          spec.Env,
			Ports:        spec.Ports,
			ConfigScript: spec.ConfigScript,
			HealthCheck:  spec.HealthCheck,
			Resources:    spec.Resources,
		})
	case KindRange:
		var spec Range
		if err := res.Spec.Decode(&spec); err != nil {
			return fmt.Errorf("range %s: %w", res.Metadata.Name, err)
		}
		spec.Name = res.Metadata.Name
		spec.Description = res.Metadata.Description
		f.Ranges = append(f.Ranges, &spec)
	default:
		return fmt.Errorf("unsupported resource kind: %s", res.Kind)
	}
	return nil
}

// TemplateResolver finds a template by name or id
type TemplateResolver func(nameOrID string) (*types.Template, bool)

// Build turns a declaration into records ready for the orchestrator. Names
// that do not resolve are carried through unchanged so validation reports
// them alongside every other problem.
func (r *Range) Build(resolve TemplateResolver) (*types.Range, []*types.Network, []*types.VM) {
	rng := &types.Range{Name: r.Name, Description: r.Description}

	byName := make(map[string]string, len(r.Networks))
	networks := make([]*types.Network, 0, len(r.Networks))
	for _, n := range r.Networks {
		id := uuid.New().String()
		byName[strings.ToLower(n.Name)] = id
		networks = append(networks, &types.Network{
			ID:        id,
			Name:      n.Name,
			Subnet:    n.Subnet,
			Gateway:   n.Gateway,
			Isolation: n.Isolation,
		})
	}

	vms := make([]*types.VM, 0, len(r.VMs))
	for _, v := range r.VMs {
		netID, ok := byName[strings.ToLower(v.Network)]
		if !ok {
			netID = v.Network
		}
		tmplID := v.Template
		if resolve != nil {
			if t, ok := resolve(v.Template); ok {
				tmplID = t.ID
			}
		}
		vms = append(vms, &types.VM{
			Hostname:   v.Hostname,
			NetworkID:  netID,
			TemplateID: tmplID,
			SnapshotID: v.Snapshot,
			IP:         v.IP,
			Resources:  v.Resources,
		})
	}
	return rng, networks, vms
}
