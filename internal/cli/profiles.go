package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/bpicori/watchkeep/internal/governor"
	"github.com/bpicori/watchkeep/internal/policy"
	"github.com/bpicori/watchkeep/internal/profile"
)

type profileView struct {
	Name     string            `json:"name"`
	Ceilings governor.Ceilings `json:"ceilings"`
	Allow    []string          `json:"allow"`
	Observe  []string          `json:"observe,omitempty"`
}

func describeProfiles() []profileView {
	var out []profileView
	for _, p := range profile.All() {
		wl := policy.For(p)
		out = append(out, profileView{
			Name:     p.String(),
			Ceilings: governor.For(p),
			Allow:    wl.Allow,
			Observe:  wl.Observe,
		})
	}
	return out
}

// ProfilesCmd executes the "profiles" subcommand.
func ProfilesCmd(args []string) int {
	return profilesCmd(args, os.Stdout, os.Stderr)
}

func profilesCmd(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("profiles", pflag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Print as JSON")
	fs.Usage = usageFunc(fs, stderr,
		"watchkeep profiles [--json]",
		"List the sandbox profiles with their resource ceilings and syscall sets.",
	)
	if code := parseFlags(fs, args, stderr); code >= 0 {
		return code
	}

	views := describeProfiles()
	if *jsonOut {
		return writeJSON(stdout, views)
	}

	for i, v := range views {
		if i > 0 {
			fmt.Fprintln(stdout)
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "%s\n", v.Name)
		fmt.Fprintf(tw, "  stack\t%s\n", humanize.IBytes(v.Ceilings.StackBytes))
		fmt.Fprintf(tw, "  open files\t%d\n", v.Ceilings.OpenFiles)
		fmt.Fprintf(tw, "  address space\t%s\n", humanize.IBytes(v.Ceilings.AddressSpaceBytes))
		fmt.Fprintf(tw, "  processes\t%d\n", v.Ceilings.Processes)
		fmt.Fprintf(tw, "  allow (%d)\t%s\n", len(v.Allow), strings.Join(v.Allow, " "))
		if len(v.Observe) > 0 {
			fmt.Fprintf(tw, "  observe (%d)\t%s\n", len(v.Observe), strings.Join(v.Observe, " "))
		}
		_ = tw.Flush()
	}
	return 0
}
