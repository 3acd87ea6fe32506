package main

import (
	"flag"
	"fmt"
	"os"
)

// usageFor mirrors cmd/distri/usage.go's per-subcommand usage() helper.
func usageFor(fset *flag.FlagSet, helpText string) func() {
	return func() {
		fmt.Fprintln(os.Stderr, helpText)
		fmt.Fprintf(os.Stderr, "Flags for vhdgwadmin %s:\n", fset.Name())
		fset.PrintDefaults()
	}
}
