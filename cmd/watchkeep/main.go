package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/bpicori/watchkeep/internal/cli"
	"github.com/bpicori/watchkeep/internal/sandbox"
)

func main() {
	// The helper must exec the target without running any deferred work.
	if len(os.Args) > 1 && os.Args[1] == sandbox.HelperVerb {
		os.Exit(sandbox.RunHelper())
	}

	fs := pflag.NewFlagSet("watchkeep", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.Usage = printUsage
	showHelp := fs.BoolP("help", "h", false, "Show help message")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		os.Exit(2)
	}

	if *showHelp {
		printUsage()
		return
	}

	args := fs.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(2)
	}

	switch args[0] {
	case "run":
		os.Exit(cli.RunCmd(args[1:]))
	case "stats":
		os.Exit(cli.StatsCmd(args[1:]))
	case "serve":
		os.Exit(cli.ServeCmd(args[1:]))
	case "profiles":
		os.Exit(cli.ProfilesCmd(args[1:]))
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `watchkeep - seccomp and namespace sandbox with run telemetry

Usage:
  watchkeep <command> [options]

Commands:
  run       Run a program inside the sandbox
  stats     Summarize stored runs
  serve     Serve the telemetry dashboard and metrics
  profiles  List sandbox profiles
  help      Show this help message

Supported platforms: Linux (namespaces + seccomp-bpf + rlimits)

Run "watchkeep <command> --help" for details on a command.
`)
}
