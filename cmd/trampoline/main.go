// Package main provides the go-trampoline CLI entry point.
//
// go-trampoline keeps a single worker alive per slot: it launches the
// worker, classifies every exit and restarts it with backoff until the
// restart budget runs out or an operator halts it.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/randomizedcoder/go-trampoline/cmd/trampoline/cmd"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/trampoline
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	err := cmd.NewRootCmd(version).Execute()
	if err == nil {
		return 0
	}

	var exit *cmd.ExitError
	if errors.As(err, &exit) {
		if exit.Err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", exit.Err)
		}
		return exit.Code
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}
