// Command wificonnectd is the agent's entry point: parse configuration,
// pick a Wi-Fi backend, and drive the state machine until it exits or is
// signaled. Kept a thin wrapper over internal/statemachine the way the
// teacher's main.go is a thin wrapper over internal/home.Main.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/AdguardTeam/golibs/log"

	"github.com/ohx-io/wifi-connect/internal/statemachine"
	"github.com/ohx-io/wifi-connect/internal/version"
	"github.com/ohx-io/wifi-connect/internal/wfconfig"
	"github.com/ohx-io/wifi-connect/internal/wifibackend"
	"github.com/ohx-io/wifi-connect/internal/wifibackend/iwd"
	"github.com/ohx-io/wifi-connect/internal/wifibackend/nm"
)

func main() {
	if hasVersionFlag(os.Args[1:]) {
		fmt.Print(version.Verbose())
		os.Exit(0)
	}

	conf, err := wfconfig.ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if conf.Verbose {
		log.SetLevel(log.DEBUG)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := newBackend(ctx, conf.Interface)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	m := statemachine.New(backend, conf)

	err = m.Run(ctx)
	switch {
	case err == nil, errors.Is(err, statemachine.ErrExit):
		os.Exit(0)
	default:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// hasVersionFlag reports whether args ask for --version, handled before
// wfconfig.ParseArgs so it works even with no interface available yet.
func hasVersionFlag(args []string) bool {
	for _, a := range args {
		if a == "--version" {
			return true
		}
	}

	return false
}

// newBackend tries NetworkManager first, falling back to iwd: both
// implement wifibackend.Backend identically from the state machine's
// perspective, so the agent probes whichever service is actually running
// on the target rather than requiring a build-time choice.
func newBackend(ctx context.Context, iface string) (wifibackend.Backend, error) {
	b, nmErr := nm.New(ctx, iface)
	if nmErr == nil {
		log.Info("wificonnectd: using NetworkManager backend")

		return b, nil
	}

	log.Debug("wificonnectd: NetworkManager unavailable: %s", nmErr)

	ib, iwdErr := iwd.New(ctx, iface)
	if iwdErr == nil {
		log.Info("wificonnectd: using iwd backend")

		return ib, nil
	}

	return nil, fmt.Errorf("wificonnectd: no usable wifi backend: networkmanager: %s; iwd: %w", nmErr, iwdErr)
}
