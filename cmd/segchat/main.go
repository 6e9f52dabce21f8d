package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/QuangTrungK22/Discord-P2P/internal/config"
	"github.com/QuangTrungK22/Discord-P2P/internal/console"
	"github.com/QuangTrungK22/Discord-P2P/internal/identity"
	"github.com/QuangTrungK22/Discord-P2P/internal/logging"
	"github.com/QuangTrungK22/Discord-P2P/internal/node"
	"github.com/QuangTrungK22/Discord-P2P/internal/tracker"
)

var rootCmd = &cobra.Command{
	Use:   "segchat",
	Short: "Peer-to-peer channel chat and livestreaming.",
	Long: `segchat: peer-to-peer channel chat.

Nodes find each other through a tracker, then talk directly over TCP.
Chat lines and livestream frames go peer to peer; the tracker only
knows who is online and which channels they belong to.`,
	SilenceUsage: true,
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dd, _ := cmd.Flags().GetString("data"); dd != "" {
		cfg.DataDir = dd
	}
	return cfg, nil
}

// ─── config ─────────────────────────────────────────────────────────────────

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.Default().Save(path); err != nil {
			return err
		}
		fmt.Printf("✓ Wrote %s\n", path)
		return nil
	},
}

// ─── identity ───────────────────────────────────────────────────────────────

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage the local identity",
}

var identityNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Generate a new identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			name = cfg.DisplayName
		}
		path := cfg.IdentityPath()

		if _, err := os.Stat(path); err == nil {
			fmt.Printf("Identity already exists at %s\n", path)
			fmt.Print("Overwrite? [y/N] ")
			var resp string
			fmt.Scanln(&resp) //nolint:errcheck
			if !strings.EqualFold(strings.TrimSpace(resp), "y") {
				fmt.Println("Aborted.")
				return nil
			}
		}

		id, err := identity.Generate(name)
		if err != nil {
			return err
		}
		if err := id.Save(path); err != nil {
			return err
		}
		fmt.Printf("\n✓ Identity generated\n")
		fmt.Printf("  User id  : %s\n", id.UserID)
		fmt.Printf("  Name     : %s\n", id.DisplayName)
		fmt.Printf("  Saved to : %s\n\n", path)
		fmt.Println("Run 'segchat node' to go online.")
		return nil
	},
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the local identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		id, err := identity.Load(cfg.IdentityPath())
		if err != nil {
			fmt.Println("No identity found. Run 'segchat identity new' to create one.")
			return nil
		}
		fmt.Printf("User id : %s\n", id.UserID)
		fmt.Printf("Name    : %s\n", id.DisplayName)
		fmt.Printf("Created : %s\n", id.CreatedAt.Local().Format(time.DateTime))
		return nil
	},
}

// ─── node ───────────────────────────────────────────────────────────────────

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Go online and open the chat console",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		applyNodeFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		id, err := identity.Load(cfg.IdentityPath())
		if err != nil {
			return fmt.Errorf("no identity at %s, run 'segchat identity new' first", cfg.IdentityPath())
		}

		useTUI, _ := cmd.Flags().GetBool("tui")
		var outputs []string
		if useTUI {
			// The full-screen view owns the terminal.
			if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
				return err
			}
			outputs = []string{filepath.Join(cfg.DataDir, "segchat.log")}
		}
		log, err := logging.New(cfg.LogLevel, cfg.LogDevelopment, outputs...)
		if err != nil {
			return err
		}
		defer log.Sync() //nolint:errcheck

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		trk, closer, err := tracker.Open(ctx, cfg.Tracker, log)
		if err != nil {
			return fmt.Errorf("open tracker: %w", err)
		}
		defer closer.Close()

		n, err := node.New(node.Config{
			Identity:             id,
			Tracker:              trk,
			Logger:               log,
			ListenHost:           cfg.ListenHost,
			ListenPort:           cfg.ListenPort,
			AdvertiseIP:          cfg.AdvertiseIP,
			RefreshInterval:      cfg.RefreshInterval.D(),
			PublishInterval:      cfg.PublishInterval.D(),
			NetworkCheckInterval: cfg.NetworkCheckInterval.D(),
			ActiveWithinMinutes:  cfg.ActiveWithinMinutes,
			ConnectTimeout:       cfg.ConnectTimeout.D(),
			ShutdownTimeout:      cfg.ShutdownTimeout.D(),
		})
		if err != nil {
			return err
		}
		if err := n.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := n.Stop(); err != nil {
				log.Warn("shutdown", zap.Error(err))
			}
		}()

		if ch, _ := cmd.Flags().GetString("channel"); ch != "" {
			n.SelectChannel(ch)
		}

		if useTUI {
			_, err := tea.NewProgram(console.NewModel(ctx, n), tea.WithAltScreen()).Run()
			return err
		}
		return runLineConsole(ctx, n)
	},
}

func applyNodeFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("host") {
		cfg.ListenHost, _ = f.GetString("host")
	}
	if f.Changed("port") {
		cfg.ListenPort, _ = f.GetInt("port")
	}
	if f.Changed("advertise") {
		cfg.AdvertiseIP, _ = f.GetString("advertise")
	}
	if f.Changed("tracker") {
		cfg.Tracker = tracker.Options{Backend: tracker.BackendHTTP}
		cfg.Tracker.URL, _ = f.GetString("tracker")
	}
	if f.Changed("log-level") {
		cfg.LogLevel, _ = f.GetString("log-level")
	}
}

func runLineConsole(ctx context.Context, n *node.Node) error {
	con := console.New(n)
	st := n.Status()

	fmt.Printf("\n  segchat\n\n")
	fmt.Printf("  User      : %s (%s)\n", st.DisplayName, st.UserID)
	fmt.Printf("  Listening : %s, advertised as %s\n", st.Listen, st.AdvertiseIP)
	fmt.Printf("  Peers     : %d\n", st.Peers)
	fmt.Printf("\n  Type 'help' for commands. Plain text is sent to the current channel.\n\n")

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case c := <-n.Messages():
				fmt.Printf("\r%s\n> ", console.FormatChat(c, false))
			}
		}
	}()

	quit := make(chan struct{})
	go func() {
		defer close(quit)
		fmt.Print("> ")
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			out, done := con.Exec(ctx, scanner.Text())
			if done {
				return
			}
			if out != "" {
				fmt.Println(out)
			}
			fmt.Print("> ")
		}
	}()

	select {
	case <-ctx.Done():
	case <-quit:
	}
	fmt.Println("\nGoing offline.")
	return nil
}

// ─── tracker ────────────────────────────────────────────────────────────────

var trackerCmd = &cobra.Command{
	Use:   "tracker",
	Short: "Run or query a tracker",
}

var trackerServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the tracker HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		opts := tracker.Options{}
		opts.Backend, _ = cmd.Flags().GetString("backend")
		opts.Path, _ = cmd.Flags().GetString("db")
		opts.Endpoints, _ = cmd.Flags().GetStringSlice("etcd")
		opts.DSN, _ = cmd.Flags().GetString("dsn")
		if opts.Backend == tracker.BackendHTTP {
			return errors.New("serve needs a storage backend: bolt, etcd, postgres or memory")
		}

		level, _ := cmd.Flags().GetString("log-level")
		log, err := logging.New(level, false)
		if err != nil {
			return err
		}
		defer log.Sync() //nolint:errcheck

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store, err := tracker.OpenStore(ctx, opts)
		if err != nil {
			return err
		}
		defer store.Close()

		srv := &http.Server{
			Addr:              listen,
			Handler:           tracker.NewServer(store, log),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			<-ctx.Done()
			log.Info("shutdown signal received")
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutCtx); err != nil {
				log.Warn("graceful shutdown", zap.Error(err))
			}
		}()

		log.Info("tracker listening", zap.String("addr", listen), zap.String("backend", opts.Backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

var trackerPeersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List peers the tracker considers active",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if f := cmd.Flags(); f.Changed("tracker") {
			cfg.Tracker = tracker.Options{Backend: tracker.BackendHTTP}
			cfg.Tracker.URL, _ = f.GetString("tracker")
		}
		within, _ := cmd.Flags().GetInt("within")
		if within <= 0 {
			within = cfg.ActiveWithinMinutes
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		trk, closer, err := tracker.Open(ctx, cfg.Tracker, zap.NewNop())
		if err != nil {
			return err
		}
		defer closer.Close()

		recs, err := trk.ListActivePeers(ctx, within)
		if err != nil {
			return err
		}
		fmt.Println(console.PeerTable(recs))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", config.DefaultPath(), "Config file")
	rootCmd.PersistentFlags().String("data", "", "Data directory (overrides data_dir)")

	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)

	identityNewCmd.Flags().String("name", "", "Display name")
	identityCmd.AddCommand(identityNewCmd, identityShowCmd)

	nodeCmd.Flags().String("host", "", "Listen host (overrides listen_host)")
	nodeCmd.Flags().Int("port", 0, "Listen port, 0 for any (overrides listen_port)")
	nodeCmd.Flags().String("advertise", "", "IP published to the tracker")
	nodeCmd.Flags().String("tracker", "", "Tracker URL (selects the http backend)")
	nodeCmd.Flags().String("channel", "", "Channel to select on start")
	nodeCmd.Flags().String("log-level", "info", "debug, info, warn or error")
	nodeCmd.Flags().Bool("tui", false, "Full-screen chat view")

	trackerServeCmd.Flags().String("listen", ":7420", "HTTP listen address")
	trackerServeCmd.Flags().String("backend", tracker.BackendBolt, "bolt, etcd, postgres or memory")
	trackerServeCmd.Flags().String("db", filepath.Join(config.DefaultDir(), "tracker"), "bolt data directory")
	trackerServeCmd.Flags().StringSlice("etcd", []string{"http://localhost:2379"}, "etcd endpoints")
	trackerServeCmd.Flags().String("dsn", "", "postgres connection string")
	trackerServeCmd.Flags().String("log-level", "info", "debug, info, warn or error")

	trackerPeersCmd.Flags().String("tracker", "", "Tracker URL (selects the http backend)")
	trackerPeersCmd.Flags().Int("within", 0, "Activity window in minutes (default from config)")
	trackerCmd.AddCommand(trackerServeCmd, trackerPeersCmd)

	rootCmd.AddCommand(configCmd, identityCmd, nodeCmd, trackerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
