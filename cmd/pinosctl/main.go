// Package main is a minimal example client: it connects to the daemon,
// prints every state transition and roster event, and disconnects on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pinos-project/pinosclient/bus"
	"github.com/pinos-project/pinosclient/internal/nlog"
	"github.com/pinos-project/pinosclient/metrics"
	"github.com/pinos-project/pinosclient/model"
	"github.com/pinos-project/pinosclient/pconfig"
	"github.com/pinos-project/pinosclient/pctx"
	"github.com/pinos-project/pinosclient/reactor"
)

var (
	busName = flag.String("bus-name", "", "override the daemon's well-known bus name")
	appName = flag.String("name", "pinosctl", "application.name reported to the daemon")
	timeout = flag.Duration("timeout", 5*time.Second, "ConnectClient RPC timeout")
)

func main() {
	flag.Parse()

	cfg := pconfig.Default()
	if *busName != "" {
		cfg.BusName = *busName
	}
	cfg.ConnectTimeout = *timeout

	b, err := bus.DialSession()
	if err != nil {
		nlog.Errorf("dial session bus: %v", err)
		os.Exit(1)
	}
	defer b.Close()

	react := reactor.New()
	defer react.Stop()

	mx := metrics.New(prometheus.NewRegistry())

	props := model.NewProperties()
	props.Set("application.name", *appName)

	mask := model.MaskOf(model.KindDaemon, model.KindClient, model.KindSource, model.KindSink, model.KindChannel)
	c := pctx.New(b, react, mx, cfg, 0, mask, props)

	c.OnStateChange(func(s pctx.State, err error) {
		if err != nil {
			fmt.Printf("state: %s (%v)\n", s, err)
		} else {
			fmt.Printf("state: %s\n", s)
		}
	})
	c.OnSubscriptionEvent(printRosterEvent)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		nlog.Errorf("connect: %v", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	dctx, dcancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer dcancel()
	if err := c.Disconnect(dctx); err != nil {
		nlog.Errorf("disconnect: %v", err)
	}
}

func printRosterEvent(ev model.EventType, kind model.ObjectKind, h *bus.Handle) {
	fmt.Printf("roster: %s %s %q\n", ev, kind, h.Path)
}
