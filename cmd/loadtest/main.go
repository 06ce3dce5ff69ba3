// Command loadtest drives the chat server with simulated users.
//
//	loadtest saturate  opens N idle sessions on one conversation and holds them
//	loadtest fanout    publishes through the HTTP API to S live subscribers and
//	                   measures delivery latency and loss
//
// Both commands seed their own users and conversation in DATABASE_URL and mint
// tokens with JWT_SECRET, so they must point at the same database and secret
// as the server.
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

	var err error
	switch os.Args[1] {
	case "saturate":
		err = runSaturate(os.Args[2:])
	case "fanout":
		err = runFanout(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "loadtest:", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Open N idle sessions on one conversation and hold them")
	fmt.Println("  fanout      Publish messages to S subscribers and measure delivery")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
