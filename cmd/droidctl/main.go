// Package main is the droidctl command. `droidctl run` drives a single turn
// from the terminal; `droidctl serve` exposes the exec manager over HTTP.
package main

import (
	"fmt"
	"io"
	"os"
)

const usage = `usage: droidctl <command> [flags]

commands:
  run    send one message and print the assistant's reply
  serve  run the HTTP API
`

func main() {
	os.Exit(dispatch(os.Args[1:], os.Stdout, os.Stderr))
}

func dispatch(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	switch args[0] {
	case "run":
		return runCommand(args[1:], stdout, stderr)
	case "serve":
		return serveCommand(args[1:], stderr)
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}
}
