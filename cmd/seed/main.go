package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/gustycube/spyder-atlas/internal/queue"
	"github.com/gustycube/spyder-atlas/internal/types"
)

// seed pushes scan batches, one JSON object per line, onto the atlas queue.
func main() {
	var file string
	var addr string
	var key string
	flag.StringVar(&file, "batches", "", "path to a JSONL file of batches")
	flag.StringVar(&addr, "redis", "127.0.0.1:6379", "redis addr")
	flag.StringVar(&key, "key", queue.DefaultKey, "redis queue key")
	flag.Parse()
	if file == "" {
		fmt.Fprintln(os.Stderr, "missing -batches")
		os.Exit(1)
	}
	q, err := queue.NewRedis(addr, key, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, "redis:", err)
		os.Exit(1)
	}
	defer q.Close()
	f, err := os.Open(file)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer f.Close()

	ctx := context.Background()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	n, line := 0, 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		var b types.Batch
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			fmt.Fprintf(os.Stderr, "line %d: %v\n", line, err)
			continue
		}
		if b.BatchID == "" {
			b.BatchID = uuid.NewString()
		}
		if err := q.Seed(ctx, b); err != nil {
			fmt.Fprintln(os.Stderr, "seed:", err)
			os.Exit(1)
		}
		n++
	}
	if err := sc.Err(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("seeded", n, "batches to", key)
}
