// nctransport opens an SSH subsystem channel over TCP, WebSocket or a unix socket and
// bridges it to stdio (client) or to a child process (server).
//
// Client mode connects, authenticates and bridges the channel to stdin and
// stdout, much like "ssh -s". Server mode accepts clients and bridges each
// channel to the --exec command, or echoes it. --call-home reverses the
// underlay direction: the client listens and the server connects.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jpillora/requestlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sammck-go/nctransport/pkg/redial"
	"github.com/sammck-go/nctransport/pkg/sshtransport"
	"github.com/sammck-go/nctransport/pkg/tlog"
	"github.com/sammck-go/nctransport/pkg/transport"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := parseArgs(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	level, _ := tlog.ParseLogLevel(cfg.LogLevel)
	logger := tlog.NewLogger("nctransport", level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := sshtransport.NewMetrics(reg)
	if cfg.MetricsAddress != "" {
		serveMetrics(ctx, logger, cfg.MetricsAddress, reg)
	}

	if cfg.Mode == "server" {
		return runServer(ctx, logger, cfg, metrics)
	}
	return runClient(ctx, logger, cfg, metrics)
}

func serveMetrics(ctx context.Context, logger tlog.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	var h http.Handler = mux
	if logger.GetLogLevel() >= tlog.LogLevelDebug {
		h = requestlog.Wrap(h)
	}
	srv := &http.Server{Addr: addr, Handler: h}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		logger.ILogf("serving metrics on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ELogf("metrics server failed: %s", err)
		}
	}()
}

// quiet drops the cancellation error of an interrupted run
func quiet(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// logFailures leaves established channels to whoever holds the completion handle
func logFailures(logger tlog.Logger) transport.ListenerFuncs {
	return transport.ListenerFuncs{
		Failed: func(err error) {
			logger.DLogf("session failed: %s", err)
		},
	}
}

func runClient(ctx context.Context, logger tlog.Logger, cfg *Config, metrics *sshtransport.Metrics) error {
	cc, err := cfg.clientConfig()
	if err != nil {
		return err
	}
	t := cfg.transport(logger)

	if cfg.dials() {
		client, err := sshtransport.NewClient(cc, logFailures(logger),
			sshtransport.WithLogger(logger), sshtransport.WithMetrics(metrics))
		if err != nil {
			return err
		}
		defer client.Close()
		rcfg := cfg.redialConfig()
		rcfg.Once = true
		loop := redial.New(logger, client, t, rcfg, func(rc *sshtransport.ReadyChannel) {
			bridge(logger, rc, newStdio())
		})
		return quiet(loop.Run(ctx))
	}

	// Call home: bridge the first server that connects to stdio
	var once sync.Once
	done := make(chan struct{})
	listener := transport.ListenerFuncs{
		Established: func(ch transport.TransportChannel) {
			served := false
			once.Do(func() {
				served = true
				go func() {
					defer close(done)
					bridge(logger, ch.(*sshtransport.ReadyChannel), newStdio())
				}()
			})
			if !served {
				logger.ILogf("already bridged, closing channel from %s", ch.RemoteAddr())
				ch.Close()
			}
		},
		Failed: func(err error) {
			logger.ILogf("session failed: %s", err)
		},
	}
	client, err := sshtransport.NewClient(cc, listener,
		sshtransport.WithLogger(logger), sshtransport.WithMetrics(metrics))
	if err != nil {
		return err
	}
	defer client.Close()
	l, err := client.Listen(ctx, t).Get(ctx)
	if err != nil {
		return err
	}
	logger.ILogf("waiting for a server on %s", l.Addr())
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return nil
	}
}

func runServer(ctx context.Context, logger tlog.Logger, cfg *Config, metrics *sshtransport.Metrics) error {
	sc, users, err := cfg.serverConfig(logger)
	if err != nil {
		return err
	}
	defer users.Close()
	t := cfg.transport(logger)

	if cfg.dials() {
		server, err := sshtransport.NewServer(sc, logFailures(logger),
			sshtransport.WithLogger(logger), sshtransport.WithMetrics(metrics))
		if err != nil {
			return err
		}
		defer server.Close()
		loop := redial.New(logger, server, t, cfg.redialConfig(), func(rc *sshtransport.ReadyChannel) {
			serveChannel(logger, rc, cfg.Server.Exec)
		})
		return quiet(loop.Run(ctx))
	}

	listener := transport.ListenerFuncs{
		Established: func(ch transport.TransportChannel) {
			go serveChannel(logger, ch.(*sshtransport.ReadyChannel), cfg.Server.Exec)
		},
		Failed: func(err error) {
			logger.ILogf("session failed: %s", err)
		},
	}
	server, err := sshtransport.NewServer(sc, listener,
		sshtransport.WithLogger(logger), sshtransport.WithMetrics(metrics))
	if err != nil {
		return err
	}
	defer server.Close()
	l, err := server.Listen(ctx, t).Get(ctx)
	if err != nil {
		return err
	}
	logger.ILogf("listening on %s", l.Addr())
	<-ctx.Done()
	return nil
}
