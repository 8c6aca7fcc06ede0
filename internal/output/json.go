package output

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/jbweber/kiln/internal/discovery"
	"github.com/jbweber/kiln/internal/image"
	"github.com/jbweber/kiln/internal/vm"
)

// JSONFormatter formats results as indented JSON.
type JSONFormatter struct{}

// FormatVMList formats VMs as a JSON array. An empty list is "[]".
func (f *JSONFormatter) FormatVMList(vms []vm.Info) (string, error) {
	if vms == nil {
		vms = []vm.Info{}
	}
	return marshalJSON(vms, "VMs")
}

// FormatAddress formats a discovered address as a JSON object.
func (f *JSONFormatter) FormatAddress(res discovery.Result) (string, error) {
	return marshalJSON(res, "address")
}

// FormatImage formats a resolved image as a JSON object.
func (f *JSONFormatter) FormatImage(img image.ResolvedImage) (string, error) {
	return marshalJSON(img, "image")
}

func marshalJSON(v any, what string) (string, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(v); err != nil {
		return "", fmt.Errorf("failed to marshal %s to JSON: %w", what, err)
	}

	return buf.String(), nil
}
