package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:           "obliteration",
	Short:         "Boot and debug guest kernels in a hardware-accelerated VM",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("data-dir", defaultDataDir(), "Directory for profiles, kernels and run state")
	viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	viper.SetEnvPrefix("obliteration")
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func dataDir() string {
	return viper.GetString("data_dir")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".obliteration"
	}
	return filepath.Join(home, ".obliteration")
}

func profilesDir() string {
	return filepath.Join(dataDir(), "profiles")
}

func runsDBPath() string {
	return filepath.Join(dataDir(), "runs.db")
}

func profilePath(name string) string {
	return filepath.Join(profilesDir(), name+".obp")
}
