package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stoik/cooldown/internal/logger"
	"github.com/stoik/cooldown/services/reminder-service/internal/api"
	"github.com/stoik/cooldown/services/reminder-service/internal/auth"
	"github.com/stoik/cooldown/services/reminder-service/internal/gateway"
	"github.com/stoik/cooldown/services/reminder-service/internal/poller"
	"github.com/stoik/cooldown/services/reminder-service/internal/session"
	"github.com/stoik/cooldown/services/reminder-service/internal/status"
	"github.com/stoik/cooldown/services/reminder-service/internal/store"
	"github.com/stoik/cooldown/services/reminder-service/internal/timers"
)

// Version is set at build time with -ldflags "-X ...app.Version=...".
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "cooldown",
	Short: "Cooldown reminder service",
	Long:  "Tracks per-user cooldown timers and sends a Discord DM when each one expires",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the expiry poller",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, loadConfig())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Version)
	},
}

func serve(ctx context.Context, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	log, level, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	watchLogLevel(log, level)

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	sessions, err := session.Open(ctx, cfg.Session)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer sessions.Close()

	messenger := gateway.NewMessenger(gateway.NewClient(cfg.Gateway), st, log.Named("gateway"))
	timerSvc := timers.NewService(st, cfg.Timers, log.Named("timers"))
	pollerSvc := poller.NewService(st, messenger, cfg.Poller, log.Named("poller"))

	srv := api.NewServer(api.Deps{
		Timers:   timerSvc,
		Status:   status.NewProjector(st),
		Users:    st,
		Sessions: sessions,
		Sender:   messenger,
		Identity: auth.NewDiscord(cfg.Auth),
		Health:   st,
	}, cfg.API, log.Named("api"))

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.PollerEnabled {
		g.Go(func() error { return pollerSvc.Run(gctx) })
	}
	g.Go(func() error {
		log.Info("starting http server", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.Store.Driver))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down gracefully")
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("http server did not stop cleanly", zap.Error(err))
		}
		if cfg.PollerEnabled && !pollerSvc.Shutdown(cfg.ShutdownTimeout) {
			log.Warn("some deliveries may not have completed")
		}
		return nil
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("failed to notify systemd", zap.Error(err))
	} else if ok {
		log.Debug("notified systemd readiness")
	}

	return g.Wait()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default ./config.yaml)")
	rootCmd.PersistentFlags().String("log.level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("database.driver", "sqlite", "Store driver: 'postgres', 'sqlite' or 'memory'")
	rootCmd.PersistentFlags().String("database.url", "", "PostgreSQL connection URL")
	rootCmd.PersistentFlags().String("database.path", "data/cooldown.db", "SQLite database file")

	serveCmd.Flags().String("http.addr", ":8000", "HTTP listen address")
	serveCmd.Flags().Duration("poller.interval", poller.DefaultInterval, "How often due timers are polled")
	serveCmd.Flags().Bool("poller.enabled", true, "Run the expiry poller in this process")

	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log.level"))
	viper.BindPFlag("database.driver", rootCmd.PersistentFlags().Lookup("database.driver"))
	viper.BindPFlag("database.url", rootCmd.PersistentFlags().Lookup("database.url"))
	viper.BindPFlag("database.path", rootCmd.PersistentFlags().Lookup("database.path"))
	viper.BindPFlag("http.addr", serveCmd.Flags().Lookup("http.addr"))
	viper.BindPFlag("poller.interval", serveCmd.Flags().Lookup("poller.interval"))
	viper.BindPFlag("poller.enabled", serveCmd.Flags().Lookup("poller.enabled"))

	rootCmd.AddCommand(serveCmd, versionCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
