package main

import (
	"fmt"
	"os"
	"regexp"
	"strconv"

	"github.com/slurmbridge/slurmbridge/internal/cmd"
)

// Populated by the linker:
//
//	-ldflags "-X main.version=1.4.2 -X main.commit=abc123 -X main.buildDate=2026-01-01"
var (
	version   = "dev"
	commit    = "HEAD"
	buildDate = "unknown"
)

var exitCodePattern = regexp.MustCompile(`\(exit code (\d+)\)$`)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)

		if m := exitCodePattern.FindStringSubmatch(err.Error()); m != nil {
			if code, perr := strconv.Atoi(m[1]); perr == nil {
				os.Exit(code)
			}
		}
		os.Exit(1)
	}
}
