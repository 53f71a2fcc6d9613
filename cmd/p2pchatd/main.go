package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/sirus-rnd/p2pchat/internal/daemon"
	"github.com/sirus-rnd/p2pchat/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	signalingFlag := flag.String("signaling", "", "signaling service address (overrides config)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			SessionName:   sessionName,
			SignalingAddr: *signalingFlag,
		}),
	)

	app.Run()
}
