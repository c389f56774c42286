// Command softphone is a headless call console. It registers with the SIP
// gateway when configured, talks to the relay for peer calls, and reads
// commands from stdin.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callconsole/internal/config"
	"callconsole/internal/orchestrator"
	"callconsole/internal/relay"
	"callconsole/internal/rtc"
	"callconsole/internal/sipua"
	"callconsole/pkg/logger"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		relayURL     string
		relayToken   string
		pollInterval time.Duration
		noVideo      bool
	)
	flagSet := pflag.NewFlagSet("softphone", pflag.ContinueOnError)
	flagSet.StringVar(&relayURL, "relay", "", "relay base url (overrides RELAY_BASE_URL)")
	flagSet.StringVar(&relayToken, "token", "", "relay bearer token (overrides RELAY_TOKEN)")
	flagSet.DurationVar(&pollInterval, "poll", 0, "relay poll interval (overrides RELAY_POLL_INTERVAL)")
	flagSet.BoolVar(&noVideo, "no-video", false, "send audio only")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	// Flags win over env; set them before validation so defaults apply once.
	if relayURL != "" {
		os.Setenv("RELAY_BASE_URL", relayURL)
	}
	if relayToken != "" {
		os.Setenv("RELAY_TOKEN", relayToken)
	}
	if pollInterval > 0 {
		os.Setenv("RELAY_POLL_INTERVAL", pollInterval.String())
	}
	cfg, err := config.LoadSoftphone()
	if err != nil {
		return err
	}

	// stdout belongs to the console.
	log := logger.NewWriter(os.Stderr, cfg.App.Env, "softphone")
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transports, err := rtc.NewPionFactory(cfg.ICE.Servers, log)
	if err != nil {
		return fmt.Errorf("media transport: %w", err)
	}

	sipCfg := sipua.ConfigFrom(cfg.SIP)
	var agent *sipua.Agent
	if sipCfg.IsComplete() {
		agent = sipua.NewAgent(sipCfg, sipua.NewSipgoDialer(transports, log), log)
	} else {
		log.Info("sip disabled", "missing", sipCfg.MissingFields())
	}

	o := orchestrator.New(orchestrator.Config{
		Relay:        relay.NewClient(cfg.Relay.BaseURL, cfg.Relay.Token, relay.WithLogger(log)),
		Transports:   transports,
		Devices:      rtc.NewDevices(rtc.SyntheticSource{}),
		Constraints:  rtc.Constraints{Audio: true, Video: !noVideo},
		Agent:        agent,
		PollInterval: cfg.Relay.PollInterval,
		Logger:       log,
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.Close(closeCtx)
	}()

	if err := o.StartSIP(ctx); err != nil {
		// Registration can be retried with the sip command.
		log.Warn("sip registration failed", "err", err)
	}

	c := newConsole(o, os.Stdout)
	go c.watch(ctx)
	return c.run(ctx, os.Stdin)
}
