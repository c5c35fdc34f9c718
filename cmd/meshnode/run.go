package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"github.com/javadef/meshnode/internal/config"
	"github.com/javadef/meshnode/internal/telemetry"
	"github.com/javadef/meshnode/internal/termcolor"
	"github.com/javadef/meshnode/pkg/overlay"
)

func runStart(args []string) {
	if err := doRun(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func runConnect(args []string) {
	fs := flag.NewFlagSet("connect", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	reordered := reorderArgs(args, map[string]bool{})
	if err := fs.Parse(reordered); err != nil {
		fatal("Error: %v", err)
	}
	remaining := fs.Args()
	if len(remaining) < 1 {
		fatal("usage: meshnode connect <ip:port> [--config path]")
	}

	runArgs := []string{"--peer", remaining[0]}
	if *configFlag != "" {
		runArgs = append(runArgs, "--config", *configFlag)
	}
	if err := doRun(runArgs, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doRun(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	peerFlag := fs.String("peer", "", "ip:port of a peer to hole-punch on startup")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgFile, err := config.FindConfigFile(*configFlag)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	secret, err := cfg.LoadSecret()
	if err != nil {
		return err
	}

	var metrics *telemetry.Metrics
	if cfg.Metrics.Enabled {
		metrics = telemetry.NewMetrics(version, runtime.Version())
		addr := cfg.Metrics.ListenAddress
		if addr == "" {
			addr = "127.0.0.1:9090"
		}
		srv := &http.Server{Addr: addr, Handler: metrics.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server exited", "error", err)
			}
		}()
		fmt.Fprintf(stdout, "Metrics listening on http://%s/metrics\n", addr)
	}

	node, err := overlay.New(overlay.Config{
		NetworkID:  cfg.Network.ID,
		Secret:     secret,
		LocalPort:  cfg.Network.LocalPort,
		STUNServer: cfg.Network.STUNServer,
		Timing: overlay.TimingConfig{
			KeepalivePeriod:  cfg.Timing.KeepalivePeriod,
			PeerTimeout:      cfg.Timing.PeerTimeout,
			HolePunchCount:   cfg.Timing.HolePunchCount,
			HolePunchSpacing: cfg.Timing.HolePunchSpacing,
			STUNTimeout:      cfg.Timing.STUNTimeout,
		},
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create overlay node: %w", err)
	}
	defer node.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("failed to start overlay: %w", err)
	}

	fmt.Fprintf(stdout, "node_id:    %s\n", node.NodeID())
	fmt.Fprintf(stdout, "virtual_ip: %s\n", node.VirtualIP())
	fmt.Fprintf(stdout, "listening:  %s\n", node.LocalAddr())

	if *peerFlag != "" {
		ip, port, err := splitHostPort(*peerFlag)
		if err != nil {
			return fmt.Errorf("invalid --peer value: %w", err)
		}
		fmt.Fprintf(stdout, "connecting to %s:%d...\n", ip, port)
		if err := node.ConnectToPeer(ip, port); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}
	}

	printEvents(ctx, stdout, node)
	return nil
}

func printEvents(ctx context.Context, stdout io.Writer, node *overlay.Node) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-node.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case overlay.EventPeerConnected:
				termcolor.Green("peer connected: %s (%s)", ev.Peer.NodeID, ev.Peer.VirtualIP)
			case overlay.EventPeerDisconnected:
				termcolor.Yellow("peer disconnected: %s (%s)", ev.Peer.NodeID, ev.Peer.VirtualIP)
			case overlay.EventMessage:
				fmt.Fprintf(stdout, "message from %s: %s\n", ev.FromVirtualIP, ev.Payload)
			}
		}
	}
}

func splitHostPort(hostport string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		resolved, err := net.ResolveIPAddr("ip4", host)
		if err != nil {
			return "", 0, fmt.Errorf("cannot resolve host %q: %w", host, err)
		}
		ip = resolved.IP
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return ip.String(), port, nil
}
