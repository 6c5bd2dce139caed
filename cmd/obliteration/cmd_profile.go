package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/SuchAFuriousDeath/obliteration/pkg/profile"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage VM profiles",
}

var profileNewCmd = &cobra.Command{
	Use:   "new <name>",
	Short: "Create a profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileNew,
}

var profileShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Print a profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileShow,
}

var profileSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Update profile fields",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileSet,
}

func init() {
	for _, c := range []*cobra.Command{profileNewCmd, profileSetCmd} {
		c.Flags().String("resolution", "", "Display resolution (720p, 1080p, 2160p)")
		c.Flags().String("debug-addr", "", "Debugger listen address (host:port)")
		c.Flags().String("kernel-args", "", "Kernel arguments, shell-quoted")
		c.Flags().String("display-device", "", "Graphics adapter id")
	}

	profileCmd.AddCommand(profileNewCmd, profileShowCmd, profileSetCmd)
	rootCmd.AddCommand(profileCmd)
}

func runProfileNew(cmd *cobra.Command, args []string) error {
	name := strings.TrimSpace(args[0])
	if name == "" {
		return ErrProfileName
	}

	path := profilePath(name)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrProfileExists, name)
	}
	if err := os.MkdirAll(profilesDir(), 0755); err != nil {
		return err
	}

	p := profile.New(name)
	if err := applyProfileFlags(cmd, p); err != nil {
		return err
	}
	if err := p.Save(path); err != nil {
		return err
	}
	fmt.Printf("Created profile %s (%s)\n", name, p.ID())
	return nil
}

func runProfileShow(cmd *cobra.Command, args []string) error {
	p, err := profile.Load(profilePath(args[0]))
	if err != nil {
		return err
	}

	fmt.Printf("ID:              %s\n", p.ID())
	fmt.Printf("Name:            %s\n", p.Name())
	fmt.Printf("Resolution:      %s\n", p.DisplayResolution())
	fmt.Printf("Display device:  %s\n", orDash(p.DisplayDevice()))
	fmt.Printf("Debug address:   %s\n", orDash(p.DebugAddr()))
	fmt.Printf("Kernel args:     %s\n", orDash(strings.Join(p.KernelArgs(), " ")))
	return nil
}

func runProfileSet(cmd *cobra.Command, args []string) error {
	path := profilePath(args[0])
	p, err := profile.Load(path)
	if err != nil {
		return err
	}
	if err := applyProfileFlags(cmd, p); err != nil {
		return err
	}
	return p.Save(path)
}

func applyProfileFlags(cmd *cobra.Command, p *profile.Profile) error {
	if cmd.Flags().Changed("resolution") {
		s, _ := cmd.Flags().GetString("resolution")
		r, err := profile.ParseResolution(s)
		if err != nil {
			return err
		}
		p.SetDisplayResolution(r)
	}
	if cmd.Flags().Changed("debug-addr") {
		addr, _ := cmd.Flags().GetString("debug-addr")
		if err := p.SetDebugAddr(addr); err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("kernel-args") {
		kargs, _ := cmd.Flags().GetString("kernel-args")
		if err := p.SetKernelArgs(kargs); err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("display-device") {
		dev, _ := cmd.Flags().GetString("display-device")
		p.SetDisplayDevice(dev)
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
