// obangoctl talks to the database directly rather than hopping through
// the admin HTTP API, mirroring the teacher's cmd/seed in spirit: a small
// operational tool run against DATABASE_URL for local dev and debugging.
//
// Usage:
//
//	obangoctl insert -worker=noop -queue=default [-args='{"k":"v"}']
//	obangoctl get -id=123
//	obangoctl queues
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/obango/obango/internal/domain"
	"github.com/obango/obango/internal/postgres"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dbURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	jobs := postgres.NewJobStore(pool)

	switch os.Args[1] {
	case "insert":
		cmdInsert(ctx, jobs, os.Args[2:])
	case "get":
		cmdGet(ctx, jobs, os.Args[2:])
	case "queues":
		cmdQueues(ctx, jobs)
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: obangoctl <insert|get|queues> [flags]")
	os.Exit(1)
}

func cmdInsert(ctx context.Context, jobs *postgres.JobStore, args []string) {
	fs := flag.NewFlagSet("insert", flag.ExitOnError)
	worker := fs.String("worker", "", "worker name (required)")
	queue := fs.String("queue", "default", "queue name")
	argsJSON := fs.String("args", "{}", "job args as a JSON object")
	priority := fs.Int("priority", 0, "priority, lower runs first")
	maxAttempts := fs.Int("max-attempts", 0, "max attempts; values below 1 are stored as 1")
	_ = fs.Parse(args)

	if *worker == "" {
		log.Fatal("-worker is required")
	}

	var argsMap map[string]any
	if err := json.Unmarshal([]byte(*argsJSON), &argsMap); err != nil {
		log.Fatalf("invalid -args JSON: %v", err)
	}

	result, err := jobs.Insert(ctx, &domain.Spec{
		Worker:      *worker,
		Queue:       *queue,
		Args:        argsMap,
		Priority:    *priority,
		MaxAttempts: *maxAttempts,
	})
	if err != nil {
		log.Fatalf("insert: %v", err)
	}

	if result.Conflicted {
		fmt.Printf("conflicted with existing job %d (state=%s)\n", result.Job.ID, result.Job.State)
		return
	}
	fmt.Printf("inserted job %d (state=%s, queue=%s)\n", result.Job.ID, result.Job.State, result.Job.Queue)
}

func cmdGet(ctx context.Context, jobs *postgres.JobStore, args []string) {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	id := fs.Int64("id", 0, "job id (required)")
	_ = fs.Parse(args)

	if *id == 0 {
		log.Fatal("-id is required")
	}

	job, err := jobs.GetByID(ctx, *id)
	if err != nil {
		log.Fatalf("get: %v", err)
	}

	out, _ := json.MarshalIndent(job, "", "  ")
	fmt.Println(string(out))
}

func cmdQueues(ctx context.Context, jobs *postgres.JobStore) {
	counts, err := jobs.QueueCounts(ctx)
	if err != nil {
		log.Fatalf("queue counts: %v", err)
	}
	for queue, count := range counts {
		fmt.Printf("%-20s %d available\n", queue, count)
	}
}
