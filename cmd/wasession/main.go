package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gowa-session/config"
	"gowa-session/internal/logger"

	"github.com/joho/godotenv"
)

const usage = `usage: wasession <command> [args]

commands:
  login              pair this machine (prints a QR) or resume the saved session
  status             show the session state
  logout             end the session and forget the client id
  add-device         pair an extra WhatsApp profile
  profiles           list the paired profiles
  use <client_id>    make client_id the active profile
  remove <client_id> remove a profile
`

func main() {
	if err := godotenv.Load(); err != nil {
		_ = godotenv.Load("../../.env")
	}

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := config.Load()
	log, err := logger.Init(cfg.LogMode, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, log, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	err = a.run(ctx, os.Args[1], os.Args[2:])
	a.Close()
	if err == nil {
		return
	}

	code := 1
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	if errors.Is(err, errUsage) {
		fmt.Fprint(os.Stderr, usage)
		code = 2
	}
	stop()
	logger.Sync()
	os.Exit(code)
}
