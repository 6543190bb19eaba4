package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"p2p_audit_consensus/pkg/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	app, err := NewApp(cfg)
	if err != nil {
		return err
	}
	if err := app.Start(); err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range signals {
		switch sig {
		case syscall.SIGHUP:
			app.Reload()
		default:
			app.Stop()
			return nil
		}
	}
	return nil
}
