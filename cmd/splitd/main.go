// Command splitd runs the treatment sidecar and its maintenance commands.
//
// The serve bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Open the snapshot store, if one is configured, and apply migrations.
//  3. Build the SDK factory over the control service or a localhost file.
//  4. Start the HTTP server (:8080) and gRPC health server (:9090).
//  5. Flip gRPC health to SERVING once the SDK is ready.
//  6. Wait for SIGINT/SIGTERM, then shut down the servers and flush telemetry.
package main

import (
	"os"

	"github.com/fatih/color"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "splitd: %v\n", err)
		os.Exit(1)
	}
}
