package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/SuchAFuriousDeath/obliteration/pkg/state"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove all exited runs from the registry",
	RunE:  runPrune,
}

func init() {
	rootCmd.AddCommand(pruneCmd)
}

func runPrune(cmd *cobra.Command, args []string) error {
	store, err := state.Open(runsDBPath())
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.Prune()
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %d runs\n", n)
	return nil
}
