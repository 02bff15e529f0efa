// boardtail joins a board over the sync channel and prints every canonical
// update, optionally keeping a local snapshot so a restart resumes with the
// last known list. Useful for watching what a room's clients converge to.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"boardsync/client"
	"boardsync/domain"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "sync channel endpoint")
	board := flag.String("board", "", "board id to join")
	statePath := flag.String("state", "", "optional snapshot file for local persistence")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *board == "" {
		fmt.Fprintln(os.Stderr, "boardtail: -board is required")
		os.Exit(2)
	}

	logger := log.New()
	if *debug {
		logger.SetLevel(log.DebugLevel)
	}

	var snapshot *client.Snapshot
	if *statePath != "" {
		snapshot = client.NewSnapshot(*statePath)
	}

	session := client.NewSession(*url, logger)
	engine, err := client.NewEngine(*board, snapshot, session, logger)
	if err != nil {
		logger.Fatalf("load snapshot: %v", err)
	}
	engine.SetOnChange(func(tasks []domain.Task) {
		fmt.Printf("-- board %s (%d tasks) --\n", *board, len(tasks))
		for _, t := range tasks {
			marker := " "
			if t.Pinned {
				marker = "*"
			}
			fmt.Printf("%s %3d %-9s %s\n", marker, t.Order, t.Type, t.Title)
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session.Run(ctx, engine)
}
