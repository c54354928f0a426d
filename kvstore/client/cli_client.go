package client

import (
	"bufio"
	"context"
	"fmt"
	"github.com/sushantsondhi/partraft/common"
	"github.com/sushantsondhi/partraft/kvstore"
	"github.com/sushantsondhi/partraft/protocol"
	"io"
	"strings"
	"time"
)

const requestTimeout = 10 * time.Second

// RunCliClient method starts a simple REPL program
// using the kvstore library.
func RunCliClient(servers []common.Server, partitions int, transport common.Transport, codec protocol.Codec, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	store, err := kvstore.NewKeyValStore(ctx, servers, partitions, transport, kvstore.Options{Timeout: 30 * time.Second, Codec: codec})
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		store.Close(ctx)
	}()
	fmt.Fprintln(out, "<<<< KV Store Using Raft >>>>")
	fmt.Fprintln(out, "Available commands: ")
	fmt.Fprintln(out, "\t GET <key>")
	fmt.Fprintln(out, "\t SET <key> <val>")
	fmt.Fprintln(out, "\t DEL <key>")
	fmt.Fprintln(out, "\t KEYS [prefix]")
	fmt.Fprintln(out, "\t WATCH <key>")
	fmt.Fprintln(out, "\t UNWATCH <key>")
	fmt.Fprintf(out, "\n\n")
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprintf(out, "$ ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		execute(ctx, store, fields, out)
		cancel()
	}
}

func execute(ctx context.Context, store *kvstore.KVStore, fields []string, out io.Writer) {
	command, args := strings.ToUpper(fields[0]), fields[1:]
	arity := map[string]int{"GET": 1, "SET": 2, "DEL": 1, "WATCH": 1, "UNWATCH": 1}
	if n, ok := arity[command]; ok && len(args) != n {
		fmt.Fprintf(out, "%s takes %d argument(s)\n", command, n)
		return
	}
	switch command {
	case "GET":
		val, err := store.Get(ctx, args[0])
		if err != nil {
			fmt.Fprintln(out, err)
		} else {
			fmt.Fprintf(out, "%s = %s, OK\n", args[0], val)
		}
	case "SET":
		if err := store.Set(ctx, args[0], args[1]); err != nil {
			fmt.Fprintln(out, err)
		} else {
			fmt.Fprintf(out, "%s = %s, OK\n", args[0], args[1])
		}
	case "DEL":
		if err := store.Delete(ctx, args[0]); err != nil {
			fmt.Fprintln(out, err)
		} else {
			fmt.Fprintf(out, "%s deleted, OK\n", args[0])
		}
	case "KEYS":
		prefix := ""
		if len(args) > 0 {
			prefix = args[0]
		}
		keys, err := store.Keys(ctx, prefix)
		if err != nil {
			fmt.Fprintln(out, err)
		} else {
			fmt.Fprintln(out, strings.Join(keys, "\n"))
		}
	case "WATCH":
		err := store.Watch(ctx, args[0], func(event kvstore.Event) {
			fmt.Fprintf(out, "\n[watch] %s %s %s\n", event.Type, event.Key, event.Val)
		})
		if err != nil {
			fmt.Fprintln(out, err)
		} else {
			fmt.Fprintf(out, "watching %s, OK\n", args[0])
		}
	case "UNWATCH":
		if err := store.Unwatch(ctx, args[0]); err != nil {
			fmt.Fprintln(out, err)
		} else {
			fmt.Fprintf(out, "stopped watching %s, OK\n", args[0])
		}
	default:
		fmt.Fprintln(out, "Incorrect command")
	}
}
