package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/netron"
	"github.com/creachadair/netron/config"
	"github.com/creachadair/netron/peers"
	"github.com/creachadair/netron/promstat"
	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
)

var serveFlags struct {
	Config string `flag:"config,Configuration file path (TOML)"`
	Listen string `flag:"listen,Comma-separated listen addresses (overrides config)"`
	ID     string `flag:"id,Netron ID (overrides config)"`
}

// system is the receiver of the "netron" context published by serve.
type system struct {
	n     *netron.Netron
	start time.Time
}

var systemClass = netron.Declare[*system]("netron.System",
	netron.AllPublic(),
	netron.Description("Inspect the serving netron."),
).
	Property("id", func(s *system) any { return s.n.ID() }, nil, netron.Type("string")).
	Property("uptime", func(s *system) any {
		return time.Since(s.start).Round(time.Second).String()
	}, nil, netron.Type("string")).
	Method("peers", func(s *system, _ context.Context, _ netron.Args) (any, error) {
		var ids []any
		for _, p := range s.n.Peers() {
			ids = append(ids, p.ID())
		}
		return ids, nil
	}, netron.Type("[]string"), netron.Description("List the IDs of connected peers.")).
	Method("contexts", func(s *system, _ context.Context, _ netron.Args) (any, error) {
		var names []any
		for _, name := range s.n.ContextNames() {
			names = append(names, name)
		}
		return names, nil
	}, netron.Type("[]string"), netron.Description("List the names of attached contexts.")).
	Method("caller", func(_ *system, ctx context.Context, _ netron.Args) (any, error) {
		if p := netron.ContextPeer(ctx); p != nil {
			return p.ID(), nil
		}
		return nil, nil
	}, netron.Type("string"), netron.Description("Report the ID of the calling peer."))

func runServe(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("Extra arguments after command")
	}
	cfg := config.Default()
	if serveFlags.Config != "" {
		var err error
		cfg, err = config.Load(serveFlags.Config)
		if err != nil {
			return err
		}
	}
	if serveFlags.Listen != "" {
		cfg.Listen = strings.Split(serveFlags.Listen, ",")
	}
	if serveFlags.ID != "" {
		cfg.ID = serveFlags.ID
	}
	if flags.Debug {
		cfg.LogLevel = zerolog.DebugLevel
	}
	if len(cfg.Listen) == 0 {
		return env.Usagef("No listen addresses given")
	}

	logger := newLogger()
	n := netron.New(cfg.Options(&logger))
	if _, err := n.AttachContext(systemClass.Bind(&system{n: n, start: time.Now()}), "netron"); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(env.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g := taskgroup.New(nil)
	for _, addr := range cfg.Listen {
		run, err := listen(ctx, addr, n)
		if err != nil {
			cancel()
			g.Wait()
			return err
		}
		logger.Info().Str("addr", addr).Str("id", n.ID()).Msg("listening")
		g.Go(run)
	}
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promstat.Handler(promstat.Netron()))
		run, err := serveHTTP(ctx, cfg.MetricsAddr, mux)
		if err != nil {
			cancel()
			g.Wait()
			return err
		}
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
		g.Go(run)
	}
	for _, addr := range cfg.Connect {
		p, err := n.Connect(ctx, addr)
		if err != nil {
			logger.Error().Err(err).Str("addr", addr).Msg("connect failed")
			continue
		}
		logger.Info().Str("addr", addr).Str("peer", p.ID()).Msg("connected")
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	n.DetachAllContexts()
	err := g.Wait()
	n.Close()
	return err
}

// listen opens a listener for addr and returns a function that accepts peers
// of n from it until ctx ends.
func listen(ctx context.Context, addr string, n *netron.Netron) (func() error, error) {
	if strings.HasPrefix(addr, "ws://") {
		u, err := url.Parse(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address: %w", err)
		}
		acc := peers.NewWSAccepter(nil)
		mux := http.NewServeMux()
		mux.Handle(cmp.Or(u.Path, "/"), acc)
		srv, err := serveHTTP(ctx, u.Host, mux)
		if err != nil {
			return nil, err
		}
		return func() error {
			defer acc.Close()
			go srv()
			return ignoreCanceled(peers.Loop(ctx, acc, n))
		}, nil
	}
	lst, err := net.Listen(netron.SplitAddress(addr))
	if err != nil {
		return nil, err
	}
	return func() error {
		return ignoreCanceled(peers.Loop(ctx, peers.NetAccepter(lst), n))
	}, nil
}

// serveHTTP opens a listener for addr and returns a function that serves h
// on it until ctx ends.
func serveHTTP(ctx context.Context, addr string, h http.Handler) (func() error, error) {
	lst, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	return func() error {
		go func() { <-ctx.Done(); srv.Close() }()
		if err := srv.Serve(lst); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
