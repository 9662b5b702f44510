package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sentryscan/sentryscan/pkg/broker"
	"github.com/sentryscan/sentryscan/pkg/events"
	"github.com/sentryscan/sentryscan/pkg/httpapi"
	"github.com/sentryscan/sentryscan/pkg/telemetry"
)

// ServeCmd runs the JSON-RPC tool broker over stdio, alongside the
// operator HTTP surface (liveness, metrics, workflow event streaming).
type ServeCmd struct {
	MaxInFlight int    `help:"Max concurrent tools/call executions." default:"4"`
	OnBusy      string `help:"Backpressure policy when at max in-flight (queue or reject)." default:"queue" enum:"queue,reject"`
	HTTPAddr    string `help:"Operator HTTP surface address." default:":8090"`
}

type sessionHealth struct {
	session *broker.Session
}

func (h sessionHealth) BrokerState() string    { return h.session.State().String() }
func (h sessionHealth) SchedulerInFlight() int { return h.session.InFlight() }

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(context.Background(), cli.Config)
	if err != nil {
		return err
	}

	reg, err := buildRegistry(cfg.Tools)
	if err != nil {
		return fmt.Errorf("sentryscan: build tool registry: %w", err)
	}

	sessionCfg := broker.Config{
		MaxInFlight: cfg.Broker.MaxInFlightPerSession,
		OnBusy:      cfg.Broker.OnBusy,
	}
	if c.MaxInFlight > 0 && sessionCfg.MaxInFlight == 0 {
		sessionCfg.MaxInFlight = c.MaxInFlight
	}
	if sessionCfg.OnBusy == "" {
		sessionCfg.OnBusy = c.OnBusy
	}
	session := broker.New(reg, sessionCfg)

	metrics := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: cfg.Telemetry.MetricsEnabled})

	httpAddr := cfg.Server.Addr
	if httpAddr == "" {
		httpAddr = c.HTTPAddr
	}
	bus := events.New()
	httpSrv := httpapi.New(httpapi.Config{Address: httpAddr}, bus, metrics, sessionHealth{session: session})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- fmt.Errorf("sentryscan: operator http server: %w", err)
		}
	}()

	go func() {
		errCh <- session.Serve(ctx, os.Stdin, os.Stdout)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	grace := 5 * time.Second
	if cfg.Timeout.CancellationGrace != "" {
		if parsed, err := time.ParseDuration(cfg.Timeout.CancellationGrace); err == nil {
			grace = parsed
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
