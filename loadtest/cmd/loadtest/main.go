// Command loadtest drives a pairchat server with simulated clients.
//
//   - saturate: open N idle connections and hold them
//   - match:    N pairs call find_match at once; measures time to matched
//   - relay:    full room lifecycle with signaling, text and skip
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "match":
		runMatch(os.Args[2:])
	case "relay":
		runRelay(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation: opens N idle connections")
	fmt.Println("  match       Matching throughput: N pairs search at once")
	fmt.Println("  relay       Room lifecycle: match, signal, exchange text, skip")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
	fmt.Println("Connect and text rate limits apply per client address; disable them")
	fmt.Println("on the server (RATE_LIMIT_ENABLED=false) for capacity runs.")
}
