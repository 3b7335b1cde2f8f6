// Command promptflow runs LLM workflow templates from the command line or
// serves them over HTTP.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
