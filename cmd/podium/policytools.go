package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/crescendo-labs/podium/pkg/manifest"
	"github.com/crescendo-labs/podium/pkg/policyfile"
)

// validateResult is one file's outcome, shaped for --json output.
type validateResult struct {
	File     string `json:"file"`
	Policies int    `json:"policies"`
	Valid    bool   `json:"valid"`
	Error    string `json:"error,omitempty"`
}

// runValidate parses each bundle file through the same schema and
// structural checks the server applies, without needing a running kernel.
func runValidate(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("validate", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output results as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	files := cmd.Args()
	if len(files) == 0 {
		fmt.Fprintln(stderr, "Usage: podium validate [--json] <bundle-file>...")
		return 2
	}

	loader := policyfile.NewLoader("")
	results := make([]validateResult, 0, len(files))
	exit := 0
	for _, f := range files {
		ms, err := loader.LoadFile(f)
		r := validateResult{File: f, Policies: len(ms), Valid: err == nil}
		if err != nil {
			r.Policies = 0
			r.Error = err.Error()
			exit = 1
		}
		results = append(results, r)
	}

	if *jsonOutput {
		data, _ := json.MarshalIndent(results, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return exit
	}

	for _, r := range results {
		if r.Valid {
			fmt.Fprintf(stdout, "%s✓%s %s: %d policies\n", ColorGreen, ColorReset, r.File, r.Policies)
		} else {
			fmt.Fprintf(stderr, "%s✗%s %s: %s\n", ColorRed, ColorReset, r.File, r.Error)
		}
	}
	return exit
}

// runHash prints the content hash the registry would store for each policy
// in a bundle, so operators can compare a file against a live deployment.
func runHash(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "Usage: podium hash <bundle-file>")
		return 2
	}

	ms, err := policyfile.NewLoader("").LoadFile(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "podium: %v\n", err)
		return 1
	}
	for _, m := range ms {
		h, err := manifest.Hash(m)
		if err != nil {
			fmt.Fprintf(stderr, "podium: hash %s: %v\n", m.ID, err)
			return 1
		}
		fmt.Fprintf(stdout, "%s  %s\n", h, m.ID)
	}
	return 0
}
