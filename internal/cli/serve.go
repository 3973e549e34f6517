package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/driftsync/internal/config"
	"github.com/roach88/driftsync/internal/discovery"
	"github.com/roach88/driftsync/internal/gc"
	"github.com/roach88/driftsync/internal/metrics"
	"github.com/roach88/driftsync/internal/peer"
	"github.com/roach88/driftsync/internal/transport"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string

	// ready, when set, receives the advertised sync address once the
	// listener is up. Used by tests.
	ready chan<- string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return newServeCommand(rootOpts, nil)
}

func newServeCommand(rootOpts *RootOptions, ready chan<- string) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts, ready: ready}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the replica: accept peers, discover, sync and collect",
		Long: `Run the replica until interrupted.

serve listens for sync sessions, advertises itself through mDNS and gossip
when enabled, syncs with every paired peer on the configured interval,
collects tombstones and exposes Prometheus metrics.

Example:
  driftsync serve
  driftsync serve --listen 127.0.0.1:7421 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "override the configured listen address")

	return cmd
}

func serve(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Sync.Listen = opts.Listen
	}
	logger := newLogger(cfg.Logging, opts.Verbose, cmd.ErrOrStderr())
	defer func() { _ = logger.Sync() }()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", zap.Stringer("signal", sig))
			cancel()
		case <-ctx.Done():
		}
	}()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	r, err := openReplica(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	defer r.Close()
	id := r.entities.Replica()

	mgr, err := newManager(cfg, r, logger, m)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create peer manager", err)
	}

	ln, err := net.Listen("tcp", cfg.Sync.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	advertise := cfg.Sync.Advertise
	if advertise == "" {
		advertise = syncURL(cfg.Sync.Transport, ln.Addr())
	}

	g, gctx := errgroup.WithContext(ctx)
	accept := func(c transport.Conn) {
		_, _ = mgr.Accept(gctx, c)
	}

	if cfg.Sync.Transport == "tcp" {
		g.Go(func() error {
			return transport.ServeTCP(gctx, ln, accept)
		})
	} else {
		mux := http.NewServeMux()
		mux.Handle(transport.WebSocketPath, transport.Handler(accept, logger))
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		for {
			ev, ok := mgr.Events().Dequeue(gctx)
			if !ok {
				return nil
			}
			fields := []zap.Field{
				zap.Stringer("event", ev.Kind),
				zap.String("peer", string(ev.Peer)),
				zap.String("addr", ev.Addr),
			}
			if ev.Kind == peer.EventSyncCompleted {
				fields = append(fields, zap.Uint64("received", ev.Received), zap.Uint64("sent", ev.Sent))
			}
			if ev.Err != nil {
				fields = append(fields, zap.Error(ev.Err))
			}
			logger.Debug("peer event", fields...)
		}
	})

	if cfg.Sync.Interval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.Sync.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if err := mgr.SyncAll(gctx); err != nil {
						logger.Info("periodic sync incomplete", zap.Error(err))
					}
				}
			}
		})
	}

	if cfg.GC.Enabled {
		collector, err := gc.New(gc.Options{
			Store:     r.entities,
			Peers:     r.db,
			Retention: cfg.GC.Retention,
			Interval:  cfg.GC.Interval,
			Logger:    logger,
			Metrics:   m,
		})
		if err != nil {
			cancel()
			_ = g.Wait()
			return WrapExitError(ExitCommandError, "failed to create collector", err)
		}
		g.Go(func() error {
			return collector.Run(gctx)
		})
	}

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, reg, logger)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	sink := func(ev discovery.Event) {
		mgr.Discovered(gctx, ev)
	}
	self := discovery.Announcement{Replica: id, SyncAddr: advertise}

	if cfg.Discovery.MDNS.Enabled {
		md := discovery.NewMDNS(mdnsConfig(cfg, ln.Addr()), self, logger)
		g.Go(func() error {
			if err := md.Run(gctx, sink); err != nil {
				logger.Warn("mdns discovery stopped", zap.Error(err))
			}
			return nil
		})
	}

	if cfg.Discovery.Gossip.Enabled {
		gossip, err := discovery.NewGossip(discovery.GossipConfig{
			BindAddr: cfg.Discovery.Gossip.BindAddr,
			BindPort: cfg.Discovery.Gossip.BindPort,
			Seeds:    cfg.Discovery.Gossip.Seeds,
		}, self, sink, logger)
		if err != nil {
			cancel()
			_ = g.Wait()
			return WrapExitError(ExitCommandError, "failed to start gossip", err)
		}
		g.Go(func() error {
			<-gctx.Done()
			if err := gossip.Leave(time.Second); err != nil {
				logger.Warn("gossip shutdown", zap.Error(err))
			}
			return nil
		})
	}

	logger.Info("replica serving",
		zap.String("replica", string(id)),
		zap.String("listen", ln.Addr().String()),
		zap.String("advertise", advertise))
	fmt.Fprintf(cmd.OutOrStdout(), "Replica %s serving at %s\n", id, advertise)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")
	if opts.ready != nil {
		opts.ready <- advertise
	}

	err = g.Wait()
	mgr.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "replica stopped", err)
	}
	logger.Info("replica stopped gracefully")
	return nil
}

// syncURL builds the dialable address for a listener. Unspecified hosts
// are replaced with a non-loopback interface address.
func syncURL(scheme string, addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		host, port = addr.String(), ""
	}
	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		host = outboundHost()
	}
	hostPort := net.JoinHostPort(host, port)
	if scheme == "tcp" {
		return "tcp://" + hostPort
	}
	return "ws://" + hostPort + transport.WebSocketPath
}

func outboundHost() string {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
				return ipn.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

func mdnsConfig(cfg *config.Config, addr net.Addr) discovery.MDNSConfig {
	mc := discovery.MDNSConfig{
		Service:        cfg.Discovery.MDNS.Service,
		Domain:         cfg.Discovery.MDNS.Domain,
		BrowseInterval: cfg.Discovery.MDNS.BrowseInterval,
		Scheme:         cfg.Sync.Transport,
	}
	if _, port, err := net.SplitHostPort(addr.String()); err == nil {
		mc.Port, _ = strconv.Atoi(port)
	}
	if mc.Scheme == "ws" {
		mc.Path = transport.WebSocketPath
	}
	return mc
}
