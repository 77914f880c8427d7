// Command presencectl is the operator and client tool for the ClickBIT
// presence server: it seeds users, mints development tokens and watches a
// presence connection from the terminal.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
