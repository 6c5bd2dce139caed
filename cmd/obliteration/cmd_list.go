package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/SuchAFuriousDeath/obliteration/pkg/state"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List recorded VM runs",
	RunE:    runList,
}

func init() {
	listCmd.Flags().Bool("running", false, "Show only live runs")
	viper.BindPFlag("list.running", listCmd.Flags().Lookup("running"))

	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	running, _ := cmd.Flags().GetBool("running")

	store, err := state.Open(runsDBPath())
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.List()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROFILE\tSTATUS\tRESULT\tSTARTED\tDEBUG")

	for _, r := range runs {
		if running && r.Status != state.StatusRunning {
			continue
		}
		result := "-"
		if r.Status == state.StatusExited {
			if r.Success {
				result = "ok"
			} else {
				result = "failed"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Profile, r.Status, result,
			r.StartedAt.Format("2006-01-02 15:04"), orDash(r.DebugAddr))
	}
	return w.Flush()
}
