// Package output provides formatters for displaying kiln results
// in various formats (table, YAML, JSON).
package output

import (
	"fmt"
	"slices"
	"strings"

	"github.com/jbweber/kiln/internal/discovery"
	"github.com/jbweber/kiln/internal/image"
	"github.com/jbweber/kiln/internal/vm"
)

// Format represents an output format type.
type Format string

const (
	// FormatTable is a human-readable table format.
	FormatTable Format = "table"
	// FormatYAML is a YAML format for scripts and config files.
	FormatYAML Format = "yaml"
	// FormatJSON is a JSON format for machine consumption.
	FormatJSON Format = "json"
)

// Formatter formats command results for output.
type Formatter interface {
	// FormatVMList formats the VMs defined on a hypervisor.
	FormatVMList(vms []vm.Info) (string, error)

	// FormatAddress formats a discovered VM address.
	FormatAddress(res discovery.Result) (string, error)

	// FormatImage formats a resolved image.
	FormatImage(img image.ResolvedImage) (string, error)
}

// Formats lists the accepted --output values.
var Formats = []Format{FormatTable, FormatYAML, FormatJSON}

// Options contains options for formatting output.
type Options struct {
	// Format specifies the output format. Empty means table.
	Format Format
	// NoHeaders omits headers in table format.
	NoHeaders bool
}

// NewFormatter creates the Formatter for opts.Format.
func NewFormatter(opts Options) (Formatter, error) {
	switch opts.Format {
	case FormatTable, "":
		return &TableFormatter{NoHeaders: opts.NoHeaders}, nil
	case FormatYAML:
		return &YAMLFormatter{}, nil
	case FormatJSON:
		return &JSONFormatter{}, nil
	default:
		return nil, unsupported(string(opts.Format))
	}
}

// ValidateFormat checks a --output value.
func ValidateFormat(format string) error {
	if !slices.Contains(Formats, Format(format)) {
		return unsupported(format)
	}
	return nil
}

func unsupported(format string) error {
	names := make([]string, len(Formats))
	for i, f := range Formats {
		names[i] = string(f)
	}
	return fmt.Errorf("unsupported output format %q (supported: %s)", format, strings.Join(names, ", "))
}
