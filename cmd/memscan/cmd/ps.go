package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"memscan/process_linux"
)

var psFilter string

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List candidate target processes",
	Long: `ps lists running processes from /proc so a scan target can be picked.

Example:
  memscan ps --filter game`,
	RunE: runPs,
}

func init() {
	psCmd.Flags().StringVarP(&psFilter, "filter", "f", "",
		"Only show processes whose name or cmdline contains this substring")

	rootCmd.AddCommand(psCmd)
}

func runPs(cmd *cobra.Command, args []string) error {
	procs, err := process_linux.ListProcesses()
	if err != nil {
		return fmt.Errorf("failed to list processes: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tPPID\tSTATE\tTHREADS\tRSS\tNAME\tCMDLINE")
	shown := 0
	for _, p := range procs {
		if psFilter != "" &&
			!strings.Contains(p.Name, psFilter) &&
			!strings.Contains(p.Cmdline, psFilter) {
			continue
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%s\t%s\t%s\n",
			p.PID, p.PPID, p.State, p.Threads, formatRSS(p.Memory), p.Name, truncate(p.Cmdline, 80))
		shown++
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\n%d processes\n", shown)
	return nil
}

func formatRSS(bytes uint64) string {
	switch {
	case bytes >= 1<<30:
		return fmt.Sprintf("%.1fG", float64(bytes)/float64(1<<30))
	case bytes >= 1<<20:
		return fmt.Sprintf("%.1fM", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%.0fK", float64(bytes)/float64(1<<10))
	default:
		return fmt.Sprintf("%d", bytes)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
