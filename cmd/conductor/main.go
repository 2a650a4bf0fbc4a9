package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/msageha/conductor/internal/control"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/runtime"
	"github.com/msageha/conductor/internal/scheduler"
	"github.com/msageha/conductor/internal/snapshot"
)

const version = "1.0.0"

const defaultConfigFile = "conductor.yaml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runRuntime(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "ping":
		runControlOp(control.OpPing, os.Args[2:])
	case "pause":
		runControlOp(control.OpPause, os.Args[2:])
	case "resume":
		runControlOp(control.OpResume, os.Args[2:])
	case "cancel":
		runControlOp(control.OpCancel, os.Args[2:])
	case "scan":
		runControlOp(control.OpScan, os.Args[2:])
	case "stop":
		runControlOp(control.OpShutdown, os.Args[2:])
	case "version":
		fmt.Printf("conductor %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runRuntime(args []string) {
	cfg, err := loadConfig(configPath(args))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	r := runtime.New(cfg, os.Stderr)
	if err := r.Start(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "start runtime: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	fmt.Fprintf(os.Stderr, "received signal=%s, shutting down\n", sig)

	// Second signal forces exit.
	go func() {
		<-sigCh
		os.Exit(1)
	}()

	r.Shutdown()
}

func runValidate(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: conductor validate <plan.yaml>")
		os.Exit(1)
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "read plan: %v\n", err)
		os.Exit(1)
	}
	var plan model.Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		fmt.Fprintf(os.Stderr, "parse plan: %v\n", err)
		os.Exit(1)
	}

	order, err := scheduler.ValidatePlan(plan)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid plan:\n%v\n", err)
		os.Exit(1)
	}
	fmt.Printf("plan ok: %d task(s)\n", len(order))
	for i, id := range order {
		fmt.Printf("  %d. %s\n", i+1, id)
	}
}

func runStatus(args []string) {
	cfg, err := loadConfig(configPath(args))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	cfg = cfg.Defaulted()

	path := cfg.Runtime.StateDir + "/snapshots/runtime.yaml"
	snap, err := snapshot.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load snapshot: %v\n", err)
		os.Exit(1)
	}
	if snap == nil {
		fmt.Println("no snapshot found (runtime not started or snapshots disabled)")
		return
	}

	fmt.Printf("snapshot: %s (version %d, %s)\n", snap.Name, snap.Version,
		snap.Timestamp.Format("2006-01-02 15:04:05 MST"))
	out, err := yaml.Marshal(snap.State)
	if err != nil {
		fmt.Fprintf(os.Stderr, "render state: %v\n", err)
		os.Exit(1)
	}
	os.Stdout.Write(out)
}

// runControlOp sends a single operation to a running runtime's control
// socket and renders the reply.
func runControlOp(op string, args []string) {
	cfg, err := loadConfig(configPath(args))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	cfg = cfg.Defaulted()

	socket := cfg.Control.Socket
	if socket == "" {
		socket = cfg.Runtime.StateDir + "/" + control.DefaultSocketName
	}

	client := control.NewClient(socket)
	resp, err := client.SendOp(op, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if !resp.Success {
		fmt.Fprintf(os.Stderr, "%s failed: %s (%s)\n", op, resp.Error.Message, resp.Error.Code)
		os.Exit(1)
	}
	if len(resp.Data) > 0 {
		os.Stdout.Write(resp.Data)
		fmt.Println()
	} else {
		fmt.Printf("%s: ok\n", op)
	}
}

// configPath resolves --config from the argument list; defaults to
// ./conductor.yaml.
func configPath(args []string) string {
	for i, arg := range args {
		if arg == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return defaultConfigFile
}

// loadConfig reads the YAML config; a missing file means defaults.
func loadConfig(path string) (model.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.Config{}, nil
		}
		return model.Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `conductor %s — multi-agent coordination runtime

Usage: conductor <command> [options]

Commands:
  run [--config <file>]      Start the runtime (bus, scheduler, intake)
  validate <plan.yaml>       Check a plan's dependency graph
  status [--config <file>]   Show the latest runtime snapshot
  ping                       Check that a running runtime responds
  pause                      Pause the executing plan
  resume                     Resume a paused plan
  cancel                     Cancel the executing plan
  scan                       Trigger an immediate intake scan
  stop                       Ask a running runtime to shut down
  version                    Print version

The ping/pause/resume/cancel/scan/stop commands talk to a running
runtime over its control socket (control.enabled in the config).

Config defaults to ./%s; a missing file uses built-in defaults.
`, version, defaultConfigFile)
}
