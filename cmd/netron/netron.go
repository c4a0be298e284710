// Program netron is a command-line utility for running and interacting with
// netron peers.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/netron"
	"github.com/creachadair/netron/channel"
	"github.com/rs/zerolog"
)

var flags struct {
	Timeout time.Duration `flag:"timeout,default=10s,Timeout for client operations"`
	Debug   bool          `flag:"debug,Enable debug logging"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for running and interacting with netron peers.",

		SetFlags: command.Flags(flax.MustBind, &flags),

		Commands: []*command.C{
			{
				Name:  "serve",
				Usage: "[--config path] [--listen addr,...]",
				Help: `Run a netron that accepts peers.

Listen addresses have the form "host:port" or "network:address" for stream
connections, or "ws://host:port/path" for WebSocket connections. Settings not
given by flags are read from the config file, if one is named.

The netron publishes a context named "netron" with methods to inspect it.`,
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:  "ping",
				Usage: "<addr>",
				Help:  "Connect to the netron at addr and ping it.",
				Run:   runPing,
			},
			{
				Name:  "contexts",
				Usage: "<addr>",
				Help:  "List the contexts attached to the netron at addr.",
				Run:   runContexts,
			},
			{
				Name:  "describe",
				Usage: "<addr> <context>",
				Help:  "Print the definition of a context of the netron at addr.",
				Run:   runDescribe,
			},
			{
				Name:  "call",
				Usage: "<addr> <context> <method> [arg...]",
				Help: `Call a method of a context of the netron at addr.

Each argument is parsed as JSON. An argument that is not valid JSON is passed
as a string. The result is printed as JSON.`,
				Run: runCall,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// newLogger returns a console logger at the level selected by flags.
func newLogger() zerolog.Logger {
	lvl := zerolog.InfoLevel
	if flags.Debug {
		lvl = zerolog.DebugLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(lvl).With().Timestamp().Str("app", "netron").Logger()
}

// dial connects a fresh netron to the netron at addr.
func dial(ctx context.Context, addr string) (*netron.RemotePeer, error) {
	if addr == "" {
		return nil, errors.New("empty address")
	}
	logger := newLogger()
	n := netron.New(&netron.Options{
		Logger:          &logger,
		Dial:            channel.Dial,
		ResponseTimeout: flags.Timeout,
	})
	p, err := n.Connect(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("connect %q: %w", addr, err)
	}
	return p.(*netron.RemotePeer), nil
}

// withPeer runs f with a timeout context and a peer connected to addr, and
// closes the peer when f returns.
func withPeer(env *command.Env, addr string, f func(context.Context, *netron.RemotePeer) error) error {
	ctx, cancel := context.WithTimeout(env.Context(), flags.Timeout)
	defer cancel()
	p, err := dial(ctx, addr)
	if err != nil {
		return err
	}
	defer p.Close()
	return f(ctx, p)
}

func runPing(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("Wrong number of arguments")
	}
	return withPeer(env, env.Args[0], func(ctx context.Context, p *netron.RemotePeer) error {
		start := time.Now()
		if err := p.Ping(ctx); err != nil {
			return err
		}
		fmt.Printf("peer %s: %v\n", p.ID(), time.Since(start).Round(time.Microsecond))
		return nil
	})
}

func runContexts(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("Wrong number of arguments")
	}
	return withPeer(env, env.Args[0], func(ctx context.Context, p *netron.RemotePeer) error {
		if _, err := p.RequestContexts(ctx); err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 4, 8, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tCLASS\tID\tMEMBERS")
		for _, name := range p.ContextNames() {
			def, err := p.DefinitionByName(name)
			if err != nil {
				fmt.Fprintf(tw, "%s\t?\t?\t%v\n", name, err)
				continue
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", name, def.Name(), def.ID(), len(def.Surface()))
		}
		return tw.Flush()
	})
}

func runDescribe(env *command.Env) error {
	if len(env.Args) != 2 {
		return env.Usagef("Wrong number of arguments")
	}
	return withPeer(env, env.Args[0], func(ctx context.Context, p *netron.RemotePeer) error {
		def, err := p.RequestMeta(ctx, env.Args[1])
		if err != nil {
			return err
		}
		fmt.Printf("%s (class %s, id %d, owner %s)\n", env.Args[1], def.Name(), def.ID(), def.OwnerID())
		if d := def.Description(); d != "" {
			fmt.Println(" ", d)
		}
		tw := tabwriter.NewWriter(os.Stdout, 4, 8, 2, ' ', 0)
		for _, m := range def.Surface() {
			var tags []string
			if m.Type != "" {
				tags = append(tags, m.Type)
			}
			if m.Void {
				tags = append(tags, "void")
			}
			if m.ReadOnly {
				tags = append(tags, "read-only")
			}
			fmt.Fprintf(tw, "  %v\t%s\t%s\t%s\n", m.Kind, m.Name, strings.Join(tags, " "), m.Description)
		}
		return tw.Flush()
	})
}

func runCall(env *command.Env) error {
	if len(env.Args) < 3 {
		return env.Usagef("Missing arguments")
	}
	addr, name, method := env.Args[0], env.Args[1], env.Args[2]
	args := parseArgs(env.Args[3:])
	return withPeer(env, addr, func(ctx context.Context, p *netron.RemotePeer) error {
		if _, err := p.RequestMeta(ctx, name); err != nil {
			return err
		}
		iface, err := p.InterfaceByName(name)
		if err != nil {
			return err
		}
		m, ok := iface.Method(method)
		if !ok {
			return fmt.Errorf("context %q has no method %q", name, method)
		}
		if m.Member().Void {
			return m.Void(ctx, args...)
		}
		v, err := m.Call(ctx, args...)
		if err != nil {
			return err
		}
		fmt.Println(render(v))
		return nil
	})
}
