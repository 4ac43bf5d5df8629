// Package main provides the envelope CLI for subprocess-based interop.
//
// This CLI reads stage output from stdin, parses or classifies it against
// the envelope contract, and writes the result to stdout. It lets non-Go
// callers (test harnesses, shell pipelines) reuse the engine's parser
// instead of reimplementing fence stripping and outcome rules.
//
// Usage:
//
//	# Parse raw stage output (fenced or bare JSON) into a clean envelope
//	cat stage_output.txt | envelope parse
//
//	# Classify an envelope: outcome, pause flag, forwarded input
//	cat envelope.json | envelope outcome
//
//	# Extract the stage list from a router envelope
//	cat envelope.json | envelope stages
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/envelope"
)

const (
	cmdParse   = "parse"
	cmdOutcome = "outcome"
	cmdStages  = "stages"
	cmdVersion = "version"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case cmdVersion:
		err = handleVersion(os.Stdout)
	case cmdParse:
		err = handleParse(os.Stdin, os.Stdout)
	case cmdOutcome:
		err = handleOutcome(os.Stdin, os.Stdout)
	case cmdStages:
		err = handleStages(os.Stdin, os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: envelope <command>

commands:
  parse     parse raw stage output from stdin into a clean envelope
  outcome   classify an envelope: outcome, pause flag, forwarded input
  stages    extract the router stage list from an envelope
  version   print version information

All commands read from stdin and write JSON to stdout.`)
}

func handleVersion(out io.Writer) error {
	return writeJSON(out, map[string]string{"version": version})
}

// handleParse runs raw stage output through the envelope parser, fence
// stripping included, and prints the normalized envelope.
func handleParse(in io.Reader, out io.Writer) error {
	raw, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	result, err := envelope.Parse(string(raw))
	if err != nil {
		return fmt.Errorf("parse envelope: %w", err)
	}
	return writeJSON(out, result)
}

// handleOutcome classifies an envelope the way the router would.
func handleOutcome(in io.Reader, out io.Writer) error {
	result, err := readEnvelope(in)
	if err != nil {
		return err
	}

	report := map[string]any{
		"stage":    result.Stage,
		"ok":       result.OK,
		"code":     result.Code,
		"outcome":  string(result.Outcome()),
		"is_pause": result.IsPause(),
	}
	if fwd, ok := result.ForwardInput(); ok {
		report["next_input"] = fwd
	}
	if flag, ok := result.BranchFlag(); ok {
		report["is_code_task"] = flag
	}
	return writeJSON(out, report)
}

// handleStages extracts the ordered stage list a router envelope carries.
func handleStages(in io.Reader, out io.Writer) error {
	result, err := readEnvelope(in)
	if err != nil {
		return err
	}
	stages, ok := result.StageList()
	if !ok {
		return fmt.Errorf("envelope carries no stage list")
	}
	return writeJSON(out, map[string]any{"stages": stages})
}

func readEnvelope(in io.Reader) (*envelope.StageResult, error) {
	raw, err := io.ReadAll(in)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	result, err := envelope.Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	return result, nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
