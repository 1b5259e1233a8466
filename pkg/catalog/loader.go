package catalog

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wehubfusion/Argus/pkg/node"
)

// File is the YAML document describing a catalog.
//
//	nodes:
//	  - name: lab-values
//	    triggerFlags: [hasLabValues]
//	    priority: 2
//	    targetField: labValues
//	    schemaRef: lab-values
type File struct {
	Nodes []node.Config `yaml:"nodes"`
}

// Load decodes a YAML catalog. Unknown keys are rejected so typos fail at
// startup rather than silently dropping a setting.
func Load(r io.Reader) ([]node.Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return f.Nodes, nil
}

// LoadFile reads a YAML catalog from path.
func LoadFile(path string) ([]node.Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer fh.Close()
	return Load(fh)
}

// Build creates every config with factory and registers it, stopping at
// the first construction or registration error.
func Build(reg *Registry, factory *node.Factory, cfgs []node.Config) error {
	for _, cfg := range cfgs {
		n, err := factory.Create(cfg)
		if err != nil {
			return err
		}
		if err := reg.Register(n); err != nil {
			return err
		}
	}
	return nil
}
