package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/lfmarques/susurro/internal/config"
	"github.com/lfmarques/susurro/internal/daemon"
	"github.com/lfmarques/susurro/internal/profile"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		cfg = config.Default()
	}

	app := fx.New(
		daemon.Module(daemon.Params{ProfileName: profileName, Config: cfg}),
	)

	app.Run()
}
