package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"watchtree"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	return runWithWait(args, out, errOut, waitForSignal)
}

// runWithWait is the testable core: wait is whatever decides when to stop
// watching and return, swapped out for an instant no-op in tests so they
// never block on a real signal.
func runWithWait(args []string, out io.Writer, errOut io.Writer, wait func()) int {
	cfg, err := parseArgs(args, errOut)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitCodeSuccess
		}
		return exitCodeUsage
	}
	if cfg.ShowVersion {
		fmt.Fprintln(out, "watchtree dev")
		return exitCodeSuccess
	}

	var subs []*watchtree.Subscription
	for _, path := range cfg.Paths {
		watched := path
		sub, err := watchtree.Watch(watched, func(event watchtree.Event) {
			printEvent(out, watched, event)
		})
		if err != nil {
			fmt.Fprintf(errOut, "watch %s: %v\n", watched, err)
			closeAll(subs)
			if errors.Is(err, watchtree.ErrNotFound) {
				return exitCodeNotFound
			}
			return exitCodeWatchError
		}
		subs = append(subs, sub)
		if cfg.Verbose || cfg.Debug {
			fmt.Fprintf(errOut, "watching %s\n", watched)
		}
	}

	wait()

	closeAll(subs)
	return exitCodeSuccess
}

func closeAll(subs []*watchtree.Subscription) {
	for _, s := range subs {
		s.Close()
	}
}

func printEvent(out io.Writer, watched string, event watchtree.Event) {
	if event.Path != "" {
		fmt.Fprintf(out, "%s\t%s\t%s\n", event.Kind, watched, event.Path)
		return
	}
	fmt.Fprintf(out, "%s\t%s\n", event.Kind, watched)
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	signal.Stop(sig)
}
