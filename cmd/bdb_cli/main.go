// Command bdb_cli is an interactive shell over an embedded bdb database
// file: set, get, and scan keys without running any server.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	"github.com/V119/build-database-from-scratch/core/kv"
	"github.com/V119/build-database-from-scratch/pkg/telemetry"
	"github.com/chzyer/readline"
)

func main() {
	dbPath := flag.String("db", "bdb.db", "path to the database file")
	configPath := flag.String("config", "", "optional YAML options file")
	syncMode := flag.String("sync", "", "override sync mode: full, rename, or none")
	flag.Parse()

	var opts kv.Options
	if *configPath != "" {
		var err error
		if opts, err = kv.LoadOptions(*configPath); err != nil {
			log.Fatalf("Failed to load options: %v", err)
		}
	}
	if *syncMode != "" {
		opts.SyncMode = *syncMode
	}

	tel, shutdown, err := telemetry.New(opts.Telemetry)
	if err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}
	defer shutdown(context.Background())
	opts.Meter = tel.Meter
	opts.Tracer = tel.Tracer

	db, err := kv.Open(*dbPath, opts)
	if err != nil {
		log.Fatalf("Failed to open database %s: %v", *dbPath, err)
	}
	defer db.Close()

	rl, err := readline.New("bdb> ")
	if err != nil {
		log.Fatalf("Failed to initialize readline: %v", err)
	}
	defer rl.Close()

	fmt.Printf("bdb shell, database %s. Type 'help' for commands.\n", *dbPath)

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			log.Printf("Read error: %v", err)
			return
		}
		if done := execute(db, strings.Fields(strings.TrimSpace(line))); done {
			return
		}
	}
}

func execute(db *kv.DB, args []string) (done bool) {
	if len(args) == 0 {
		return false
	}
	ctx := context.Background()

	switch strings.ToLower(args[0]) {
	case "set":
		if len(args) != 3 {
			fmt.Println("usage: set <key> <value>")
			return false
		}
		if err := db.Set(ctx, []byte(args[1]), []byte(args[2])); err != nil {
			fmt.Printf("ERROR: %v\n", err)
			return false
		}
		fmt.Println("OK")
	case "get":
		if len(args) != 2 {
			fmt.Println("usage: get <key>")
			return false
		}
		val, found, err := db.Get(ctx, []byte(args[1]))
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			return false
		}
		if !found {
			fmt.Println("NOT FOUND")
			return false
		}
		fmt.Printf("%s\n", val)
	case "scan":
		limit := -1
		if len(args) == 2 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 1 {
				fmt.Println("usage: scan [limit]")
				return false
			}
			limit = n
		}
		count := 0
		err := db.Scan(ctx, func(key, val []byte) bool {
			fmt.Printf("%s = %s\n", key, val)
			count++
			return limit < 0 || count < limit
		})
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			return false
		}
		fmt.Printf("(%d entries)\n", count)
	case "count":
		count := 0
		err := db.Scan(ctx, func(key, val []byte) bool { count++; return true })
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			return false
		}
		fmt.Println(count)
	case "help":
		fmt.Println("commands:")
		fmt.Println("  set <key> <value>  insert or update a key")
		fmt.Println("  get <key>          look up a key")
		fmt.Println("  scan [limit]       list entries in key order")
		fmt.Println("  count              number of stored entries")
		fmt.Println("  exit | quit        leave the shell")
	case "exit", "quit":
		return true
	default:
		fmt.Printf("unknown command %q, try 'help'\n", args[0])
	}
	return false
}
