package main

import (
	"fmt"
	"io"
	"os"
)

// EngineVersion is checked against rule document "requires" constraints.
const EngineVersion = "0.1.0"

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		// Default to server
		return startServer()
	}

	switch args[1] {
	case "server", "serve":
		return startServer()
	case "ingest":
		return runIngestCmd(args[2:], stdout, stderr)
	case "rules":
		if len(args) < 3 {
			_, _ = fmt.Fprintln(stderr, "Usage: signald rules <validate>")
			return 2
		}
		return runRulesCmd(args[2:], stdout, stderr)
	case "signal":
		return runSignalCmd(args[2:], stdout, stderr)
	case "withdraw":
		return runWithdrawCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer()
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "signald %s\n", EngineVersion)
	fmt.Fprintln(w, "Event aggregation and verification engine for crypto signal feeds.")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  signald <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "ENGINE:")
	printCommand(w, "server", "Run the verification engine (default)")
	printCommand(w, "health", "Check server health (HTTP)")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "EVIDENCE:")
	printCommand(w, "ingest", "Submit evidence records from JSONL (--file, default stdin)")
	printCommand(w, "signal", "Print the signal snapshot for an event (--key)")
	printCommand(w, "withdraw", "Withdraw a candidate event (--key, --reason)")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "RULES:")
	printCommand(w, "rules validate", "Validate a rule source file (--file)")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "UTILITIES:")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-16s %s\n", name, desc)
}
