// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main provides an interactive REPL (Read-Eval-Print Loop) for the dash hash index.
//
// The REPL is a development aid: it exposes the database operations and the
// structural diagnostics of the index through a line-oriented command set.
// Keys and values are unsigned 64-bit integers, written in decimal or with a
// 0x prefix.
//
// # Usage
//
// Start the REPL:
//
//	go run ./cmd/repl
//	go run ./cmd/repl --arena ~/dash.arena --arena-size 268435456
//
// Available commands:
//
//	insert <key> <value>  - Insert a pair; existing keys are kept
//	get <key>             - Retrieve a value by key
//	delete <key>          - Delete a key
//	fill <from> <count>   - Insert count sequential keys starting at from
//	stats                 - Print the index shape
//	metrics               - Print recorded metrics in Prometheus format
//	verify                - Check every structural invariant
//	depthcount            - Compare recorded and recomputed depth counts
//	find <key>            - Scan all segments for a key
//	halve                 - Halve the directory if possible
//	range [limit]         - List entries in storage order
//	export <file>         - Write all entries to a binary file
//	import <file>         - Insert entries from a binary file
//	help                  - Show this list
//	quit, exit            - Exit the REPL
//
// Example session:
//
//	> insert 42 4200
//	OK
//	> insert 42 1
//	Exists
//	> get 42
//	Value: 4200
//	> find 42
//	segment 0 bucket 17 slot 0 (home, reachable=true)
//	> delete 42
//	Deleted
//	> quit
//	Goodbye!
//
// # Dangers and Warnings
//
//   - **Data Persistence**: Without --arena all data is lost on exit. With an
//     arena the file is formatted on start, so earlier contents are lost too.
//     Use export and import to carry data between sessions.
//   - **Blocking Commands**: fill, verify, find and export walk the whole
//     index and can take a while on large tables.
//
// # Thread Safety
//
// The REPL is single-threaded.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/op/go-logging"

	"github.com/kianostad/dash/internal/cli"
	core "github.com/kianostad/dash/internal/core"
	"github.com/kianostad/dash/internal/monitoring/metrics"
)

var log = logging.MustGetLogger("repl")

type options struct {
	Segments  int    `short:"s" long:"segments" default:"2" description:"initial segments, a power of two"`
	Arena     string `long:"arena" description:"place the index in a file-backed arena at this path"`
	ArenaSize int64  `long:"arena-size" default:"268435456" description:"arena size in bytes"`
	NoMetrics bool   `long:"no-metrics" description:"disable metrics collection"`

	Logging cli.LogOptions `group:"Logging"`
}

const usage = `Commands:
  insert <key> <value>, get <key>, delete <key>, fill <from> <count>
  stats, metrics, verify, depthcount, find <key>, halve, range [limit]
  export <file>, import <file>, help, quit`

type REPL struct {
	database core.DB[uint64, uint64]
}

func NewREPL(database core.DB[uint64, uint64]) *REPL {
	return &REPL{
		database: database,
	}
}

func (r *REPL) Run() {
	fmt.Println("Dash Hash Index REPL")
	fmt.Println(usage)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}

		cmd := strings.ToLower(parts[0])
		if cmd == "quit" || cmd == "exit" {
			fmt.Println("Goodbye!")
			return
		}
		if err := r.execute(context.Background(), cmd, parts[1:]); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}

func (r *REPL) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "insert", "put":
		key, value, err := parsePair(args, "insert <key> <value>")
		if err != nil {
			return err
		}
		inserted, err := r.database.Insert(ctx, key, value)
		if err != nil {
			return err
		}
		if inserted {
			fmt.Println("OK")
		} else {
			fmt.Println("Exists")
		}

	case "get":
		key, err := parseKey(args, "get <key>")
		if err != nil {
			return err
		}
		if val, exists := r.database.Get(ctx, key); exists {
			fmt.Printf("Value: %d\n", val)
		} else {
			fmt.Println("Key not found")
		}

	case "delete", "del":
		key, err := parseKey(args, "delete <key>")
		if err != nil {
			return err
		}
		if r.database.Delete(ctx, key) {
			fmt.Println("Deleted")
		} else {
			fmt.Println("Key not found")
		}

	case "fill":
		from, count, err := parsePair(args, "fill <from> <count>")
		if err != nil {
			return err
		}
		inserted := 0
		for i := uint64(0); i < count; i++ {
			ok, err := r.database.Insert(ctx, from+i, from+i)
			if err != nil {
				return fmt.Errorf("after %d inserts: %w", inserted, err)
			}
			if ok {
				inserted++
			}
		}
		fmt.Printf("Inserted %d of %d\n", inserted, count)

	case "stats":
		st := r.database.Stats(ctx)
		fmt.Printf("items:        %d\n", st.Items)
		fmt.Printf("segments:     %d\n", st.Segments)
		fmt.Printf("global depth: %d\n", st.GlobalDepth)
		fmt.Printf("depth count:  %d\n", st.DepthCount)
		fmt.Printf("dir version:  %d\n", st.Version)
		fmt.Printf("load factor:  %.3f\n", st.LoadFactor)
		fmt.Printf("raw space:    %d bytes\n", st.RawSpace)

	case "metrics":
		fmt.Print(metrics.FormatPrometheus(r.database.GetMetrics(ctx)))

	case "verify":
		if err := r.database.Verify(ctx); err != nil {
			return err
		}
		fmt.Println("OK")

	case "depthcount":
		report := r.database.CheckDepthCount(ctx)
		fmt.Printf("recorded %d, computed %d, consistent=%t\n", report.Recorded, report.Computed, report.Consistent())

	case "find":
		key, err := parseKey(args, "find <key>")
		if err != nil {
			return err
		}
		fmt.Println(r.database.FindAnyway(ctx, key))

	case "halve":
		if err := r.database.HalveDirectory(ctx); err != nil {
			return err
		}
		fmt.Printf("global depth now %d\n", r.database.Stats(ctx).GlobalDepth)

	case "range":
		limit := uint64(20)
		if len(args) == 1 {
			n, err := parseWord(args[0])
			if err != nil {
				return err
			}
			limit = n
		}
		var shown uint64
		err := r.database.Range(ctx, func(key, value uint64) bool {
			if shown == limit {
				return false
			}
			fmt.Printf("%d = %d\n", key, value)
			shown++
			return true
		})
		if err != nil {
			return err
		}

	case "export":
		if len(args) != 1 {
			return fmt.Errorf("usage: export <file>")
		}
		path, err := cli.ExpandPath(args[0])
		if err != nil {
			return err
		}
		n, err := core.ExportBinaryFile(ctx, r.database, path)
		if err != nil {
			return err
		}
		fmt.Printf("Exported %d entries to %s\n", n, path)

	case "import":
		if len(args) != 1 {
			return fmt.Errorf("usage: import <file>")
		}
		path, err := cli.ExpandPath(args[0])
		if err != nil {
			return err
		}
		n, err := core.ImportBinaryFile(ctx, r.database, path)
		fmt.Printf("Imported %d entries\n", n)
		if err != nil {
			return err
		}

	case "help":
		fmt.Println(usage)

	default:
		fmt.Printf("Unknown command: %s\n", cmd)
	}
	return nil
}

func parseWord(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}

func parseKey(args []string, form string) (uint64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("usage: %s", form)
	}
	return parseWord(args[0])
}

func parsePair(args []string, form string) (uint64, uint64, error) {
	if len(args) != 2 {
		return 0, 0, fmt.Errorf("usage: %s", form)
	}
	a, err := parseWord(args[0])
	if err != nil {
		return 0, 0, err
	}
	b, err := parseWord(args[1])
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	closer, err := cli.SetupLogging(opts.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closer.Close()

	dbOpts := []core.Option{core.WithInitialSegments(opts.Segments)}
	if opts.Arena != "" {
		path, err := cli.ExpandPath(opts.Arena)
		if err != nil {
			log.Fatal(err)
		}
		dbOpts = append(dbOpts, core.WithArena(path, opts.ArenaSize))
	}
	if opts.NoMetrics {
		dbOpts = append(dbOpts, core.WithoutMetrics())
	}

	database, err := core.New[uint64, uint64](dbOpts...)
	if err != nil {
		log.Fatal(err)
	}
	defer database.Close(context.Background())

	repl := NewREPL(database)

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nReceived shutdown signal. Closing database...")
		if err := database.Close(context.Background()); err != nil {
			log.Error(err)
		}
		closer.Close()
		os.Exit(0)
	}()

	repl.Run()
}
