// Command selene runs the Selene OS kernel: deterministic capability
// dispatch over an idempotent, append-only ledger.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; no arguments starts the server.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}
	switch args[1] {
	case "server", "serve":
		return runServer(stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "mint-token":
		return runMintTokenCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Selene OS kernel")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  selene <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  server      Run the kernel server (default)")
	fmt.Fprintln(w, "  export      Export an evidence pack (--tenant, --db, --out)")
	fmt.Fprintln(w, "  verify      Verify an evidence pack (--pack)")
	fmt.Fprintln(w, "  mint-token  Mint a caller token (--tenant, --role, --seed)")
	fmt.Fprintln(w, "  health      Check a running server (--addr)")
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	addr := "http://localhost:8080"
	if len(args) >= 2 && args[0] == "--addr" {
		addr = args[1]
	}
	resp, err := http.Get(addr + "/health")
	if err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}
