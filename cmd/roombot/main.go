package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"roombot/internal/app"
	"roombot/pkg/systemd"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [-config path] <homeserver_url> <username> <password>\n", filepath.Base(os.Args[0]))
}

func main() {
	// A missing .env is fine; the config path may also come from the environment.
	_ = godotenv.Load(".env")

	var cfgPath string
	flag.StringVar(&cfgPath, "config", os.Getenv("ROOMBOT_CONFIG"), "path to config file (json or yaml); defaults apply when empty")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 3 || args[0] == "" || args[1] == "" || args[2] == "" {
		usage()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(app.Options{
		ConfigPath:    cfgPath,
		HomeserverURL: args[0],
		Username:      args[1],
		Password:      args[2],
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}
	_, _ = systemd.Ready()

	var reason app.StopReason
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	signal.Stop(sigCh)
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
