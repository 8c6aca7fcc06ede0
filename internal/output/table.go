package output

import (
	"bytes"
	"fmt"
	"text/tabwriter"

	"github.com/jbweber/kiln/internal/discovery"
	"github.com/jbweber/kiln/internal/image"
	"github.com/jbweber/kiln/internal/vm"
)

// TableFormatter formats results as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// FormatVMList formats VMs as a table in the style of virsh list --all.
func (f *TableFormatter) FormatVMList(vms []vm.Info) (string, error) {
	if len(vms) == 0 {
		return "No VMs found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATE\tUUID")
	}

	for _, info := range vms {
		// inactive domains have no runtime id
		id := "-"
		if info.Active {
			id = fmt.Sprintf("%d", info.ID)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, info.Name, info.State, info.UUID)
	}

	_ = w.Flush()
	return buf.String(), nil
}

// FormatAddress renders the address with its source, e.g.
// "192.168.122.50 (DHCP from default)".
func (f *TableFormatter) FormatAddress(res discovery.Result) (string, error) {
	return res.String() + "\n", nil
}

// FormatImage formats a resolved image as a single-row table.
func (f *TableFormatter) FormatImage(img image.ResolvedImage) (string, error) {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "PATH\tLOCATION\tCACHED\tSOURCE")
	}
	cached := "no"
	if img.Cached {
		cached = "yes"
	}
	_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", img.Path, img.Location, cached, img.Source)

	_ = w.Flush()
	return buf.String(), nil
}
