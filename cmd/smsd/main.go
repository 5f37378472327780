package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/sms/internal/config"
	"github.com/matheus3301/sms/internal/daemon"
	"github.com/matheus3301/sms/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	demoFlag := flag.Bool("demo", false, "serve sample threads when no external_db is configured")
	flag.Parse()

	cfg, err := config.LoadOrDefault(session.ConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	sessionName, err := session.Resolve(*sessionFlag, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{SessionName: sessionName, Config: cfg, Demo: *demoFlag}),
	)

	app.Run()
}
