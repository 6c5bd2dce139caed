package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/SuchAFuriousDeath/obliteration/pkg/kernel"
)

var kernelCmd = &cobra.Command{
	Use:   "kernel",
	Short: "Manage cached guest kernels",
}

var kernelPullCmd = &cobra.Command{
	Use:   "pull [version]",
	Short: "Fetch a kernel image into the local cache",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runKernelPull,
}

var kernelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached kernel versions",
	RunE:  runKernelList,
}

var kernelCleanCmd = &cobra.Command{
	Use:   "clean [version]",
	Short: "Remove cached kernels (all versions when none is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runKernelClean,
}

func init() {
	kernelCmd.AddCommand(kernelPullCmd, kernelListCmd, kernelCleanCmd)
	rootCmd.AddCommand(kernelCmd)
}

func kernelManager() *kernel.Manager {
	return kernel.NewManager(kernel.WithCacheDir(filepath.Join(dataDir(), "kernels")))
}

func runKernelPull(cmd *cobra.Command, args []string) error {
	version := kernel.Version
	if len(args) == 1 {
		version = args[0]
	}

	path, err := kernelManager().EnsureKernel(cmd.Context(), kernel.CurrentArch(), version)
	if err != nil {
		return err
	}
	fmt.Printf("Kernel %s at %s\n", version, path)
	return nil
}

func runKernelList(cmd *cobra.Command, args []string) error {
	versions, err := kernelManager().ListCachedVersions()
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		fmt.Println("No cached kernels")
		return nil
	}
	for _, v := range versions {
		fmt.Println(v)
	}
	return nil
}

func runKernelClean(cmd *cobra.Command, args []string) error {
	version := ""
	if len(args) == 1 {
		version = args[0]
	}
	return kernelManager().CleanCache(version)
}
