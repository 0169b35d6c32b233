// Command quota-proxy exposes a rate-aware, multi-credential client for an
// OAuth-protected REST API as a local HTTP proxy and a listing fetcher.
package main

import (
	"os"
)

// Version is injected at build time.
var Version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
