package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	meridiancmd "github.com/meridianpay/meridian/internal/cmd/meridian"
	"github.com/meridianpay/meridian/internal/platform/config"
)

func main() {
	cfg, err := meridiancmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	log.SetPrefix("[MERIDIAN] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := meridiancmd.Run(ctx, cfg); err != nil {
		config.Exitf("meridian: %v", err)
	}
}
