// main.go - CLI entry point for the guest execution substrate.
//
// (c) 2026 - GPLv3 or later

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	versionFlag := flag.Bool("version", false, "print version and build info, then exit")
	biosFlag := flag.Bool("bios", false, "boot the internal BIOS payload instead of loading a guest executable")
	flag.Parse()

	if *versionFlag {
		printFeatures()
		return
	}

	core := NewEmulatorCore()
	core.SetLogSink(func(component string, sev Severity, message string) {
		fmt.Fprintf(os.Stderr, "%s: [%s] %s\n", component, sev, message)
	})
	core.SetStateCallback(func(state EmuState, detail string) {
		fmt.Fprintf(os.Stderr, "emulator: %s (%s)\n", state, detail)
	})

	if err := core.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "initialization failed: %v\n", err)
		os.Exit(1)
	}
	defer core.Shutdown()

	var entry uint64
	var err error
	switch {
	case *biosFlag:
		entry, err = core.LoadInternalBIOS()
	case flag.NArg() == 1:
		entry, err = core.LoadGame(flag.Arg(0))
	default:
		fmt.Fprintln(os.Stderr, "usage: ps4substrate [-bios] [-version] <path-to-guest-executable>")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "load failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "entry point: 0x%016X\n", entry)
	if !core.Run() {
		fmt.Fprintln(os.Stderr, "failed to start guest CPU thread")
		os.Exit(1)
	}

	// Block the main goroutine until the guest CPU thread halts, faults,
	// or is interrupted.
	waitForSignalOrHalt(core)
}

func waitForSignalOrHalt(core *EmulatorCore) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			core.Stop()
			return
		case <-ticker.C:
			switch core.State() {
			case EmuIdle, EmuError:
				return
			}
		}
	}
}
