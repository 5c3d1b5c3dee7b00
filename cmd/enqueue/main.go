package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"task-outbox/internal/app"
	"task-outbox/internal/models"
)

func main() {
	flags := app.RegisterFlags(flag.CommandLine)

	// Flags: -task <id> -file <path> [-name <display name>]
	var (
		taskID      = flag.String("task", "", "task id (required)")
		filePath    = flag.String("file", "", "file to upload (required)")
		displayName = flag.String("name", "", "display name for the attachment")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s -task <id> -file <path> [-name <display name>]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if *taskID == "" || *filePath == "" {
		flag.Usage()
		os.Exit(2)
	}

	data, err := os.ReadFile(*filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read file: %v\n", err)
		os.Exit(1)
	}

	cfg, err := flags.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	outbox, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize outbox: %v\n", err)
		os.Exit(1)
	}
	defer outbox.Close()

	result, err := outbox.Uploads.Enqueue(context.Background(), models.UploadDescriptor{
		TaskID:      *taskID,
		DisplayName: *displayName,
		FileName:    filepath.Base(*filePath),
		File:        data,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to enqueue: %v\n", err)
		outbox.Close()
		os.Exit(1)
	}

	fmt.Printf(
		"enqueued upload:\n"+
			"  id              = %d\n"+
			"  task_id         = %s\n"+
			"  idempotency_key = %s\n"+
			"  outcome         = %s\n"+
			"  status          = %s\n"+
			"  retry_count     = %d\n",
		result.Record.ID,
		result.Record.TaskID,
		result.Record.IdempotencyKey,
		result.Outcome,
		result.Record.Status,
		result.Record.RetryCount,
	)
}
