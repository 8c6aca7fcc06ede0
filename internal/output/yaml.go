package output

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/kiln/internal/discovery"
	"github.com/jbweber/kiln/internal/image"
	"github.com/jbweber/kiln/internal/vm"
)

// YAMLFormatter formats results as YAML.
type YAMLFormatter struct{}

// FormatVMList formats VMs as a YAML sequence. An empty list is "[]".
func (f *YAMLFormatter) FormatVMList(vms []vm.Info) (string, error) {
	if len(vms) == 0 {
		return "[]\n", nil
	}
	return marshalYAML(vms, "VMs")
}

// FormatAddress formats a discovered address as a YAML mapping.
func (f *YAMLFormatter) FormatAddress(res discovery.Result) (string, error) {
	return marshalYAML(res, "address")
}

// FormatImage formats a resolved image as a YAML mapping.
func (f *YAMLFormatter) FormatImage(img image.ResolvedImage) (string, error) {
	return marshalYAML(img, "image")
}

func marshalYAML(v any, what string) (string, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s to YAML: %w", what, err)
	}
	return string(data), nil
}
