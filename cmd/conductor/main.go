package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/version"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches a subcommand and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 2
	}

	switch args[0] {
	case "serve":
		return runServe(args[1:], stderr)
	case "init-config":
		return runInitConfig(args[1:], stdout, stderr)
	case "submit":
		return runSubmit(args[1:], stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, version.String())
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n\n", args[0])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: conductor <command> [options]

Commands:
  serve        Run the engine with its HTTP API
               -config path   config file (default: ~/.conductor/config.yaml under .conductor/config.yaml)
               -addr addr     listen address, overrides http.addr
               -tui           show the terminal monitor
  init-config  Write the default configuration [path]
  submit       Submit a task, batch or workflow file to a running server
               -f file        spool file (YAML or JSON)
               -server url    API base URL (default from config http.addr)
  version      Print version information
`)
}

// loadConfig loads an explicit file, or the layered global and project files
// when path is empty. It also returns where settings edits should be saved.
func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.LoadFile(path)
		return cfg, path, err
	}
	_, projectPath, err := config.DefaultPaths()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.LoadDefault()
	return cfg, projectPath, err
}

func runInitConfig(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("init-config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	force := fs.Bool("force", false, "overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	path := filepath.Join(config.ProjectDir, config.DefaultFile)
	if fs.NArg() > 0 {
		path = fs.Arg(0)
	}

	if _, err := os.Stat(path); err == nil && !*force {
		fmt.Fprintf(stderr, "Error: %s already exists (use -force to overwrite)\n", path)
		return 1
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if err := config.Save(config.DefaultConfig(), path); err != nil {
		fmt.Fprintf(stderr, "Error writing config: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Wrote default configuration to %s\n", path)
	return 0
}
