package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	connectcmd "github.com/louisbranch/nyra/internal/cmd/connect"
)

func main() {
	cfg, err := connectcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[CONNECT] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := connectcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
