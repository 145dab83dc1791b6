// kvs-route is a debugging tool for the route encoding: it prints the
// route set a pair would be advertised as, and decodes route dumps back
// into pairs.
package main

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/routekv/kvsd/internal/codec"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "encode":
		runEncode(os.Args[2:])
	case "decode":
		runDecode()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: kvs-route <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  encode <key> <value> [version]   Print the route set for a pair")
	fmt.Println("  decode                           Read \"<prefix> <next-hop>\" lines from stdin")
}

func runEncode(args []string) {
	if len(args) < 2 {
		printUsage()
		os.Exit(1)
	}
	version := uint64(0)
	if len(args) > 2 {
		v, err := strconv.ParseUint(args[2], 10, 16)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad version %q: %v\n", args[2], err)
			os.Exit(1)
		}
		version = v
	}

	routes, err := codec.Encode([]byte(args[0]), []byte(args[1]), uint16(version))
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("key_hash=%016x routes=%d\n", codec.KeyHash([]byte(args[0])), len(routes))
	for i, r := range routes {
		fmt.Printf("  seq %d: %s/128 via %s\n", i, r.Prefix, r.NextHop)
	}
}

func runDecode() {
	var routes []codec.Route

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			fmt.Fprintf(os.Stderr, "skipping line (want \"<prefix> <next-hop>\"): %s\n", line)
			continue
		}
		prefix, err := netip.ParseAddr(strings.TrimSuffix(fields[0], "/128"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad prefix %q: %v\n", fields[0], err)
			os.Exit(1)
		}
		nextHop, err := netip.ParseAddr(fields[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad next-hop %q: %v\n", fields[1], err)
			os.Exit(1)
		}
		routes = append(routes, codec.Route{Prefix: prefix, NextHop: nextHop})
	}
	if err := sc.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "reading stdin: %v\n", err)
		os.Exit(1)
	}

	key, value, version, err := codec.Decode(routes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "decode: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("key=%q value=%q version=%d\n", key, value, version)
}
