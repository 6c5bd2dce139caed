package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/SuchAFuriousDeath/obliteration/pkg/gdb"
	"github.com/SuchAFuriousDeath/obliteration/pkg/kernel"
	"github.com/SuchAFuriousDeath/obliteration/pkg/logging"
	"github.com/SuchAFuriousDeath/obliteration/pkg/profile"
	"github.com/SuchAFuriousDeath/obliteration/pkg/screen"
	"github.com/SuchAFuriousDeath/obliteration/pkg/state"
	"github.com/SuchAFuriousDeath/obliteration/pkg/vmm"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot a guest kernel headless",
	Long: `Boot a guest kernel headless with a chosen profile.

With --debug the VM waits for one GDB remote connection on the given
address before the first guest instruction runs. Guest console output is
printed as it arrives; when stdout is not a terminal, events are written
as JSON lines instead.`,
	Example: `  obliteration run --kernel ./obkrnl
  obliteration run --kernel-version 0.5.0 --profile default
  obliteration run --kernel ./obkrnl --debug 127.0.0.1:1234`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("profile", "", "Profile name (under the data dir) or path to a profile file")
	runCmd.Flags().String("kernel", "", "Path to the guest kernel image")
	runCmd.Flags().String("kernel-version", "", "Fetch this kernel version from the registry instead of --kernel")
	runCmd.Flags().String("debug", "", "Wait for a debugger on this address before booting (overrides the profile)")
	runCmd.Flags().Int("cpus", 1, "Number of vCPUs")
	runCmd.Flags().Int("ram-mb", 1024, "Guest RAM in MB")
	runCmd.Flags().String("log-file", "", "Append lifecycle events as JSON lines to this file")
	viper.BindPFlag("run.cpus", runCmd.Flags().Lookup("cpus"))
	viper.BindPFlag("run.ram_mb", runCmd.Flags().Lookup("ram-mb"))

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	prof, err := loadProfileFlag(cmd)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	emitter, err := buildEmitter(cmd, runID, prof)
	if err != nil {
		return err
	}
	if emitter != nil {
		defer emitter.Close()
	}

	kernelPath, err := resolveKernel(ctx, cmd, emitter)
	if err != nil {
		return err
	}

	debugAddr, _ := cmd.Flags().GetString("debug")
	if debugAddr == "" {
		debugAddr = prof.DebugAddr()
	}

	store, err := state.Open(runsDBPath())
	if err != nil {
		return err
	}
	defer store.Close()

	var debugger *gdb.Client
	if debugAddr != "" {
		srv, err := gdb.Listen(debugAddr)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Waiting for debugger on %s\n", srv.Addr())
		debugger, err = srv.Accept()
		srv.Close()
		if err != nil {
			return err
		}
		if emitter != nil {
			_ = emitter.Emit(logging.EventDebugAttach, "debugger connected", nil,
				&logging.DebugSessionData{Addr: srv.Addr()})
		}
	}

	cpus, _ := cmd.Flags().GetInt("cpus")
	ramMB, _ := cmd.Flags().GetInt("ram-mb")

	events := make(chan vmm.Event, 100)
	v, err := vmm.Start(vmm.Config{
		KernelPath: kernelPath,
		Profile:    prof,
		Screen:     screen.NewHeadless(),
		Handler:    func(ev vmm.Event) { events <- ev },
		Debugger:   debugger,
		Cpus:       cpus,
		RamSize:    uint64(ramMB) << 20,
		Emitter:    emitter,
		Registry:   store,
		ID:         runID,
	})
	if err != nil {
		if debugger != nil {
			debugger.Close()
		}
		return err
	}
	defer v.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		v.Shutdown()
	}()

	human := term.IsTerminal(int(os.Stdout.Fd()))
	for ev := range events {
		switch e := ev.(type) {
		case vmm.EventLog:
			printGuestLog(human, e)
		case vmm.EventBreakpoint:
			dispatchLoop(v, e.Stop)
		case vmm.EventError:
			fmt.Fprintf(os.Stderr, "Guest fault: %v\n", e.Err)
			return e.Err
		case vmm.EventExiting:
			if !e.Success {
				return ErrGuestFailed
			}
			return nil
		}
	}
	return nil
}

// dispatchLoop resolves one kernel stop, retrying recoverable protocol
// faults once the debugger socket is readable again.
func dispatchLoop(v *vmm.Vmm, stop *vmm.KernelStop) {
	for {
		res := v.DispatchDebug(stop)
		switch res.Status {
		case vmm.DebugOk:
			return
		case vmm.DebugDisconnected:
			fmt.Fprintln(os.Stderr, "Debugger disconnected; guest continues")
			return
		case vmm.DebugError:
			fmt.Fprintf(os.Stderr, "Debug dispatch: %v\n", res.Err)
			fd := v.DebugSocket()
			if fd < 0 {
				return
			}
			if ready, err := gdb.Wait(fd, time.Second); err != nil || !ready {
				continue
			}
		}
	}
}

func printGuestLog(human bool, e vmm.EventLog) {
	if human {
		fmt.Printf("[%s] %s\n", e.Type, e.Message)
		return
	}
	line, err := json.Marshal(map[string]string{
		"level":   e.Type.String(),
		"message": e.Message,
	})
	if err != nil {
		return
	}
	fmt.Println(string(line))
}

func loadProfileFlag(cmd *cobra.Command) (*profile.Profile, error) {
	name, _ := cmd.Flags().GetString("profile")
	if name == "" {
		return profile.New("default"), nil
	}

	path := name
	if _, err := os.Stat(path); err != nil {
		path = profilePath(name)
	}
	return profile.Load(path)
}

func resolveKernel(ctx context.Context, cmd *cobra.Command, emitter *logging.Emitter) (string, error) {
	if path, _ := cmd.Flags().GetString("kernel"); path != "" {
		return path, nil
	}
	version, _ := cmd.Flags().GetString("kernel-version")
	if version == "" {
		return "", ErrNoKernel
	}

	mgr := kernel.NewManager(kernel.WithCacheDir(filepath.Join(dataDir(), "kernels")))
	arch := kernel.CurrentArch()
	cached := true
	if _, err := os.Stat(mgr.KernelPath(arch, version)); err != nil {
		cached = false
	}
	path, err := mgr.EnsureKernel(ctx, arch, version)
	if err != nil {
		return "", err
	}
	if emitter != nil {
		_ = emitter.Emit(logging.EventKernelFetch, "kernel resolved", nil, &logging.KernelFetchData{
			Version: version,
			Path:    path,
			Cached:  cached,
		})
	}
	return path, nil
}

func buildEmitter(cmd *cobra.Command, runID string, prof *profile.Profile) (*logging.Emitter, error) {
	path, _ := cmd.Flags().GetString("log-file")
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	w, err := logging.NewJSONLWriter(path)
	if err != nil {
		return nil, err
	}
	return logging.NewEmitter(logging.EmitterConfig{
		VMID:    runID,
		Profile: prof.Name(),
	}, w), nil
}
