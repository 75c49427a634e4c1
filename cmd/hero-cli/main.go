// Command hero-cli watches a user's live channel and resolves pending
// approvals, questions and interactions from the terminal.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
