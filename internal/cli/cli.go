// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - CLI parsing and command dispatch for standupd.
package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdServe Command = iota
	CmdStatus
	CmdContext
	CmdRestart
	CmdLogs
	CmdHistory
	CmdVersion
	CmdHelp
)

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	APIBase string // control API base URL for client commands
	JSON    bool   // raw JSON output instead of styled text

	// Command-specific
	Lines int // logs/history window

	// Raw args (remaining after flag parsing)
	Raw []string
}

const usageText = `standupd - supervisor and control API for the moshi speech model

Standupd runs moshi as a managed child process and exposes an HTTP API
for injecting standup context, restarting the model, and checking health.

Usage:
  standupd                   Run the daemon (default)
  standupd serve             Run the daemon
  standupd status            Show daemon and model health
  standupd context           Show the active context and prompt preview
  standupd restart           Restart the model process
  standupd logs [--lines N]  Show recent model output
  standupd history [--lines N]  Show recent submissions and restarts
  standupd version           Show version
  standupd help              Show this help

Flags:
  --api URL     Control API base URL (default http://127.0.0.1:8080,
                or STANDUPD_API)
  --json        Raw JSON output for client commands
  --lines N     Number of lines for logs/history (default 50)

Environment:
  HF_TOKEN          HuggingFace token passed to moshi (required by serve)
  VOICE_PROMPT      Voice embedding file (default NATM1.pt)
  PORT_API          Control API port (default 8080)
  PORT_MOSHI        Model port (default 8998)
  CPU_OFFLOAD       Offload weights to CPU when "1" or "true"
  STANDUPD_CONFIG   Path to a TOML config file
  STANDUPD_API      Default base URL for client commands
`

// Parse interprets argv (without the program name) into a command.
func Parse(argv []string) (Command, Args) {
	args := Args{
		APIBase: apiBaseDefault(),
		Lines:   50,
	}

	remaining := parseFlags(&args, argv)
	if len(remaining) == 0 {
		return CmdServe, args
	}

	cmd := strings.ToLower(remaining[0])
	args.Raw = remaining[1:]

	switch cmd {
	case "serve", "run", "daemon":
		return CmdServe, args
	case "status", "s", "health":
		return CmdStatus, args
	case "context", "ctx":
		return CmdContext, args
	case "restart":
		return CmdRestart, args
	case "logs", "log":
		return CmdLogs, args
	case "history":
		return CmdHistory, args
	case "version", "-v", "--version":
		return CmdVersion, args
	case "help", "-h", "--help":
		return CmdHelp, args
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		return CmdHelp, args
	}
}

func parseFlags(args *Args, argv []string) []string {
	var remaining []string
	for i := 0; i < len(argv); i++ {
		switch argv[i] {
		case "--json":
			args.JSON = true
		case "--api":
			if i+1 < len(argv) {
				i++
				args.APIBase = argv[i]
			}
		case "--lines", "-n":
			if i+1 < len(argv) {
				i++
				if n, err := strconv.Atoi(argv[i]); err == nil && n > 0 {
					args.Lines = n
				}
			}
		default:
			remaining = append(remaining, argv[i])
		}
	}
	return remaining
}

func apiBaseDefault() string {
	if base := os.Getenv("STANDUPD_API"); base != "" {
		return strings.TrimRight(base, "/")
	}
	return "http://127.0.0.1:8080"
}

// PrintUsage writes the help text.
func PrintUsage() {
	fmt.Print(usageText)
}

// PrintVersion writes build information.
func PrintVersion() {
	fmt.Printf("standupd %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
}
