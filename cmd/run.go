package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/encodeous/tint"
	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"

	"github.com/kvrouted/kvrouted/config"
	"github.com/kvrouted/kvrouted/kvstore"
	"github.com/kvrouted/kvrouted/prefixmgr"
)

var verbose bool

// runCmd starts the daemon: it loads the config file named by --config,
// brings up one KvStoreDb per configured area, wires static peers and
// listeners, and runs the PrefixManager against the resulting KvStore
// until a shutdown signal arrives.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the kvrouted daemon",
	Long:  `Runs the gossip KvStore and PrefixManager redistribution layer on the current host using the areas and peers named in the config file.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			panic(err)
		}
		if err := run(cfg); err != nil {
			panic(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug logging")
}

func buildLogger(cfg *config.Config) (*slog.Logger, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	handlers := []slog.Handler{
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:        level,
			AddSource:    false,
			CustomPrefix: cfg.NodeName,
		}),
	}

	if cfg.LogPath != "" {
		if err := os.MkdirAll(path.Dir(cfg.LogPath), 0700); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(cfg.LogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0700)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}))
	}

	return slog.New(slogmulti.Fanout(handlers...)), nil
}

// run wires together the two subsystems and blocks until ctx is cancelled
// by a shutdown signal or a fatal internal error, stopping each subsystem
// in turn rather than tearing both down concurrently.
func run(cfg *config.Config) error {
	log, err := buildLogger(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancelCause(context.Background())

	dbs := make([]*kvstore.KvStoreDb, 0, len(cfg.Areas))
	for _, a := range cfg.Areas {
		db := kvstore.NewKvStoreDb(ctx, cancel, log, a.Id, cfg.NodeName, dbConfigFromYaml(cfg.KvStore))
		dbs = append(dbs, db)
	}

	peerEvents := make(chan kvstore.PeerEvent, 32)
	store := kvstore.NewKvStore(log, dbs, peerEvents)

	servers := make([]*kvstore.Server, 0, len(cfg.Areas))
	for _, a := range cfg.Areas {
		if a.ListenAddr == "" {
			continue
		}
		db, err := store.Area(a.Id)
		if err != nil {
			cancel(err)
			return err
		}
		srv, err := kvstore.NewServer(a.ListenAddr, a.ListenPort, db.HandleRequest)
		if err != nil {
			cancel(err)
			return err
		}
		servers = append(servers, srv)
		go func() {
			if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
				log.Error("kvstore server stopped", "area", a.Id, "err", err)
			}
		}()
	}

	for _, a := range cfg.Areas {
		for _, p := range a.Peers {
			transport := kvstore.Transport{Legacy: kvstore.NewLegacySocket(p.Addr, p.Port)}
			if p.Typed {
				transport = kvstore.Transport{Typed: kvstore.NewTypedClient(p.Addr, p.Port)}
			}
			peerEvents <- kvstore.PeerEvent{
				Kind:      kvstore.PeerEventAdd,
				Area:      a.Id,
				NodeName:  p.NodeName,
				Spec:      kvstore.PeerSpec{Addr: p.Addr, Port: p.Port},
				Transport: transport,
			}
		}
	}

	staticRoutes := make(chan prefixmgr.StaticRouteUpdate, 32)
	go func() {
		for u := range staticRoutes {
			// Installing into the forwarding plane is out of scope; this
			// daemon only computes and announces the decision.
			log.Info("static route decision", "prefix", u.Prefix, "install", u.Install, "nexthops", u.Nexthops)
		}
	}()

	registry := prefixmgr.NewRegistry()
	registry.Register("identity", prefixmgr.IdentityPolicy{})

	pm := prefixmgr.NewPrefixManager(ctx, cancel, log, prefixManagerConfigFromYaml(cfg), store, registry, staticRoutes)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
			cancel(errors.New("received shutdown signal"))
		case <-ctx.Done():
		}
	}()

	log.Info("kvrouted started", "node", cfg.NodeName, "areas", cfg.AreaIds())
	<-ctx.Done()
	log.Info("shutting down", "reason", context.Cause(ctx))

	pm.Stop(context.Cause(ctx))
	store.Stop(context.Cause(ctx))
	close(peerEvents)
	for _, srv := range servers {
		srv.Close()
	}
	close(staticRoutes)

	return nil
}
