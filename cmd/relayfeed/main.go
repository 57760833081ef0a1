// Command relayfeed builds a prioritized feed of root notes from followed
// authors and enriches the notes you look at with their interactions.
//
// Usage:
//
//	relayfeed               Interactive feed (same as 'relayfeed tui')
//	relayfeed tui           Interactive feed
//	relayfeed fetch         One headless acquisition, printed
//	relayfeed serve         HTTP API with periodic reloads
//	relayfeed prune         Drop old events from the local cache
package main

import (
	"fmt"
	"os"
)

const usage = `relayfeed - adaptive relay feed

Usage:
  relayfeed [command] [flags]

Commands:
  tui         Interactive feed (default)
  fetch       Run one acquisition and print the prioritized notes
  serve       Serve the feed over HTTP, reloading periodically
  prune       Remove cached events older than a cutoff

Environment:
  RELAYFEED_RELAYS          Comma separated default relays
  RELAYFEED_AUTHORS         Comma separated author pubkeys
  RELAYFEED_STORE_PATH      Event cache path (":memory:" or a file)
  RELAYFEED_API_ADDR        Listen address for serve
  RELAYFEED_LOG_LEVEL       debug, info, warn or error
  RELAYFEED_DESIRED_COUNT   Notes wanted per acquisition
  RELAYFEED_MAX_CONCURRENT  Interaction fetches at once
  RELAYFEED_MAX_QUEUE       Interaction requests waiting

Run 'relayfeed <command> -h' for command-specific help.
`

func main() {
	cmd := "tui"
	if len(os.Args) >= 2 && (len(os.Args[1]) == 0 || os.Args[1][0] != '-') {
		cmd = os.Args[1]
		// Strip the program name + subcommand so flag sets see only their flags
		os.Args = os.Args[1:]
	}

	switch cmd {
	case "tui":
		runTUI()
	case "fetch":
		runFetch()
	case "serve":
		runServe()
	case "prune":
		runPrune()
	case "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "relayfeed: unknown command %q\n\n", cmd)
		fmt.Print(usage)
		os.Exit(1)
	}
}
