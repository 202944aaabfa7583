// CRC: crc-CommandRouter.md
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zot/p2p-share/internal/config"
	"github.com/zot/p2p-share/internal/event"
	"github.com/zot/p2p-share/internal/logging"
	"github.com/zot/p2p-share/internal/metrics"
	"github.com/zot/p2p-share/internal/node"
	"github.com/zot/p2p-share/internal/pidfile"
	"github.com/zot/p2p-share/internal/server"
	"github.com/zot/p2p-share/internal/settings"
)

// ServeFlags are the flags shared by the root command and serve
type ServeFlags struct {
	Dir     string
	Port    int
	Verbose int
	NoMDNS  bool
}

// AddServeFlags registers the serve flags on cmd
func AddServeFlags(cmd *cobra.Command, f *ServeFlags) {
	cmd.Flags().StringVar(&f.Dir, "dir", "", "Directory holding p2p-share.toml, the setting file and node state (default: user config dir)")
	cmd.Flags().IntVarP(&f.Port, "port", "p", 0, "Websocket port (default: auto-select starting from 10000)")
	cmd.Flags().CountVarP(&f.Verbose, "verbose", "v", "Verbose output (can be specified multiple times: -v, -vv)")
	cmd.Flags().BoolVar(&f.NoMDNS, "nomdns", false, "Disable local peer discovery")
}

var serveFlags ServeFlags

// ServeCmd runs a node and its websocket command server
// CRC: crc-CommandRouter.md
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a p2p-share node",
	Long: `Run a p2p-share node and serve its command set over a websocket at
ws://localhost:<port>/ws. Prometheus metrics are served at /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunServe(cmd.Context(), serveFlags)
	},
}

func init() {
	AddServeFlags(ServeCmd, &serveFlags)
}

// RunServe runs a node until interrupted
// Sequence: seq-server-startup.md
func RunServe(ctx context.Context, f ServeFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()

	store, err := settings.NewStore(f.Dir)
	if err != nil {
		return err
	}
	cfg, err := config.LoadFromDir(store.Dir())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.Merge(f.Port, f.Verbose, f.NoMDNS)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logging.New(cfg.Behavior.Verbosity)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	setting, err := store.Load("")
	if err != nil {
		return err
	}

	bus := event.NewBus()
	m := metrics.New()
	n, err := node.New(ctx, node.Options{
		Config:   cfg,
		Settings: store,
		Setting:  setting,
		Bus:      bus,
		Metrics:  m,
		Log:      log,
	})
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	defer func() {
		if err := n.Close(); err != nil {
			log.Warnw("failed to close node", "error", err)
		}
	}()

	// Persist a freshly generated identity so the peer ID is stable
	if setting.IdentityKey == "" {
		if err := store.Save("", n.Setting()); err != nil {
			log.Warnw("failed to save identity", "error", err)
		}
	}
	fmt.Printf("Peer ID: %s\n", n.PeerID())

	srv := server.New(ctx, n, server.Options{
		Config:  cfg,
		Bus:     bus,
		Metrics: m,
		Tracker: pidfile.Default(),
		Log:     log,
	})
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	defer func() {
		if err := srv.Stop(); err != nil {
			log.Warnw("failed to stop server", "error", err)
		}
	}()
	fmt.Printf("Server running at ws://localhost:%d/ws\n", srv.Port())

	runErr := make(chan error, 1)
	go func() { runErr <- n.Run(ctx) }()

	select {
	case <-ctx.Done():
		fmt.Println("\nShutting down...")
	case <-srv.Done():
		fmt.Println("Server stopped")
	case err := <-runErr:
		if err != nil {
			return fmt.Errorf("node stopped: %w", err)
		}
	}
	return nil
}
