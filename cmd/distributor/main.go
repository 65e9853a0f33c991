package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/distributor"
	"github.com/openkcm/distributor/client/amqp"
	"github.com/openkcm/distributor/client/solace"
	"github.com/openkcm/distributor/codec"
	"github.com/openkcm/distributor/httpapi"
	"github.com/openkcm/distributor/internal/worker"
)

const stateDirPerm = 0o755

func main() {
	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		slog.Error("invalid arguments", "error", err)
		os.Exit(2)
	}

	slog.SetDefault(newLogger(cfg.logLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slogctx.Error(ctx, "distributor failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(slogctx.NewHandler(h, nil))
}

func run(ctx context.Context, cfg setupConfig) error {
	if err := os.MkdirAll(cfg.stateDir, stateDirPerm); err != nil {
		return err
	}

	opts := []distributor.Option{distributor.WithCountExhausted(cfg.countExhausted)}
	if !cfg.workerStats {
		opts = append(opts, distributor.WithoutWorkerStats())
	}
	dist, err := distributor.Open(ctx, distributor.Config{
		TaskFile:     cfg.taskFile,
		StateDir:     cfg.stateDir,
		MaxValueSize: int(cfg.maxValueSize.Bytes()),
	}, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := dist.Close(); err != nil {
			slogctx.Error(ctx, "failed to close distributor", "error", err)
		}
	}()

	brokers, err := newBrokers(ctx, cfg, dist)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.progressInterval > 0 {
		runner := &worker.Runner{Works: []worker.Work{{
			Name:         "progress",
			Fn:           dist.LogProgress,
			ExecInterval: cfg.progressInterval,
			Timeout:      time.Second,
		}}}
		if err := runner.Run(gctx); err != nil {
			return errors.Join(err, closeBrokers(ctx, brokers))
		}
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.shutdownTimeout)
			defer cancel()
			return runner.Stop(stopCtx)
		})
	}

	server := httpapi.NewServer(net.JoinHostPort(cfg.iface, strconv.Itoa(cfg.port)), httpapi.NewHandler(dist))
	g.Go(func() error {
		slogctx.Info(gctx, "listening", "addr", server.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	for _, b := range brokers {
		g.Go(func() error {
			slogctx.Info(gctx, "answering broker assign requests", "broker", b.name)
			b.responder.ListenAndRespond(gctx)
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.shutdownTimeout)
			defer cancel()
			return b.client.Close(closeCtx)
		})
	}

	return g.Wait()
}

// broker is a message broker connection answered by its own Responder.
type broker struct {
	name      string
	client    brokerClient
	responder *distributor.Responder
}

type brokerClient interface {
	distributor.ResponderClient
	Close(ctx context.Context) error
}

// newBrokers connects to every configured broker. Connections already made
// are closed when a later one fails.
func newBrokers(ctx context.Context, cfg setupConfig, dist *distributor.Distributor) ([]broker, error) {
	var c distributor.Codec = codec.JSON{}
	if cfg.messageCodec == "proto" {
		c = codec.Proto{}
	}

	var brokers []broker
	add := func(name string, client brokerClient, err error) error {
		if err != nil {
			return fmt.Errorf("connecting to %s: %w", name, err)
		}
		responder, err := distributor.NewResponder(client, dist, distributor.WithResponderWorkers(cfg.responderWorkers))
		if err != nil {
			return errors.Join(err, client.Close(ctx))
		}
		brokers = append(brokers, broker{name: name, client: client, responder: responder})
		return nil
	}

	if cfg.amqp.url != "" {
		var opts []amqp.ClientOption
		if cfg.amqp.username != "" {
			opts = append(opts, amqp.WithBasicAuth(cfg.amqp.username, cfg.amqp.password))
		}
		client, err := amqp.NewClient(ctx, c, amqp.ConnectionInfo{
			URL:    cfg.amqp.url,
			Source: cfg.amqp.source,
			Target: cfg.amqp.target,
		}, opts...)
		if err := add("amqp", client, err); err != nil {
			return nil, err
		}
	}

	if cfg.solace.host != "" {
		client, err := solace.NewClient(c, solace.ConnectionInfo{
			Host:   cfg.solace.host,
			VPN:    cfg.solace.vpn,
			Source: cfg.solace.source,
			Target: cfg.solace.target,
		}, solace.WithBasicAuth(cfg.solace.username, cfg.solace.password, cfg.solace.caDir))
		if err := add("solace", client, err); err != nil {
			return nil, errors.Join(err, closeBrokers(ctx, brokers))
		}
	}

	return brokers, nil
}

func closeBrokers(ctx context.Context, brokers []broker) error {
	var errs []error
	for _, b := range brokers {
		errs = append(errs, b.client.Close(ctx))
	}
	return errors.Join(errs...)
}
