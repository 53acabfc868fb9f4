package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"watchtree/internal/cli"
)

// Config is the parsed command line for a single watchtree invocation.
type Config struct {
	Paths       []string
	Verbose     bool
	Debug       bool
	ShowVersion bool
}

func parseArgs(args []string, errOut io.Writer) (Config, error) {
	fs := flag.NewFlagSet("watchtree", flag.ContinueOnError)
	fs.SetOutput(errOut)
	verboseFlag := fs.Bool("verbose", false, "Log each path to stderr once it is watched")
	debugFlag := fs.Bool("debug", false, "Same as --verbose")
	helpVersion := cli.AddHelpVersionFlags(fs, "Show this help message", "Print version and exit")
	fs.Usage = func() {
		printHelp(fs.Output())
	}

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if helpVersion.Help {
		fs.Usage()
		return Config{}, flag.ErrHelp
	}

	if helpVersion.Version {
		return Config{ShowVersion: true}, nil
	}

	var paths []string
	for _, p := range fs.Args() {
		p = strings.TrimSpace(p)
		if p != "" {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		fs.Usage()
		return Config{}, fmt.Errorf("at least one path is required")
	}

	return Config{
		Paths:   paths,
		Verbose: *verboseFlag,
		Debug:   *debugFlag,
	}, nil
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, "Usage: watchtree [options] <path> [path...]")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Watch one or more files or directories and print change events")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")
	writeOption(out, "--verbose", "Log each path to stderr once it is watched")
	writeOption(out, "--debug", "Same as --verbose")
	writeOption(out, "--help", "Show this help message")
	writeOption(out, "--version", "Print version and exit")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Output:")
	fmt.Fprintln(out, "  <kind>\\t<watched path>[\\t<new path>]")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Examples:")
	fmt.Fprintln(out, "  watchtree ./src")
	fmt.Fprintln(out, "  watchtree --verbose ./src ./README.md")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Exit codes:")
	fmt.Fprintln(out, "  0  Success")
	fmt.Fprintln(out, "  1  Usage error")
	fmt.Fprintln(out, "  2  Path not found")
	fmt.Fprintln(out, "  3  Watch error")
}

func writeOption(out io.Writer, name, desc string) {
	fmt.Fprintf(out, "  %-10s %s\n", name, desc)
}
