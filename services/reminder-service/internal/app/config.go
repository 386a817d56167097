package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/stoik/cooldown/internal/logger"
	"github.com/stoik/cooldown/services/reminder-service/internal/api"
	"github.com/stoik/cooldown/services/reminder-service/internal/auth"
	"github.com/stoik/cooldown/services/reminder-service/internal/gateway"
	"github.com/stoik/cooldown/services/reminder-service/internal/poller"
	"github.com/stoik/cooldown/services/reminder-service/internal/session"
	"github.com/stoik/cooldown/services/reminder-service/internal/store"
	"github.com/stoik/cooldown/services/reminder-service/internal/timers"
)

// Config is the resolved configuration of the serve command.
type Config struct {
	LogLevel        string
	HTTPAddr        string
	ShutdownTimeout time.Duration
	PollerEnabled   bool

	Store   store.Config
	Session session.Config
	Poller  poller.Config
	Gateway gateway.Config
	Auth    auth.Config
	Timers  timers.Config
	API     api.Config
}

func setDefaults() {
	viper.SetDefault("log.level", "info")
	viper.SetDefault("http.addr", ":8000")
	viper.SetDefault("http.shutdown_timeout", 10*time.Second)
	viper.SetDefault("public_url", "http://localhost:8000")

	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.path", "data/cooldown.db")
	viper.SetDefault("database.busy_timeout", 5*time.Second)

	viper.SetDefault("session.driver", "memory")
	viper.SetDefault("session.redis.addr", "localhost:6379")
	viper.SetDefault("session.ttl", session.DefaultTTL)

	viper.SetDefault("poller.enabled", true)
	viper.SetDefault("poller.interval", poller.DefaultInterval)
	viper.SetDefault("poller.batch_limit", poller.DefaultBatchLimit)
	viper.SetDefault("poller.claim_grace", poller.DefaultClaimGrace)
	viper.SetDefault("poller.retry_ceiling", 3)
	viper.SetDefault("poller.delivery_timeout", poller.DefaultDeliveryTimeout)
	viper.SetDefault("poller.max_in_flight", poller.DefaultMaxInFlight)

	viper.SetDefault("discord.api_url", "https://discord.com/api/v10")
	viper.SetDefault("discord.rate_per_sec", 5)

	viper.SetDefault("timers.require_dm_ready", true)
}

func initConfig() {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err == nil {
		fmt.Fprintln(os.Stderr, "Loaded environment from .env")
	}

	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./services/reminder-service")
		viper.AddConfigPath("/etc/cooldown")
	}
	viper.SetEnvPrefix("COOLDOWN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

func loadConfig() Config {
	publicURL := viper.GetString("public_url")
	return Config{
		LogLevel:        viper.GetString("log.level"),
		HTTPAddr:        viper.GetString("http.addr"),
		ShutdownTimeout: viper.GetDuration("http.shutdown_timeout"),
		PollerEnabled:   viper.GetBool("poller.enabled"),
		Store: store.Config{
			Driver:      viper.GetString("database.driver"),
			DSN:         viper.GetString("database.url"),
			Path:        viper.GetString("database.path"),
			BusyTimeout: viper.GetDuration("database.busy_timeout"),
		},
		Session: session.Config{
			Driver:   viper.GetString("session.driver"),
			Addr:     viper.GetString("session.redis.addr"),
			Password: viper.GetString("session.redis.password"),
			DB:       viper.GetInt("session.redis.db"),
			TTL:      viper.GetDuration("session.ttl"),
		},
		Poller: poller.Config{
			Interval:        viper.GetDuration("poller.interval"),
			BatchLimit:      viper.GetInt("poller.batch_limit"),
			ClaimGrace:      viper.GetDuration("poller.claim_grace"),
			RetryCeiling:    viper.GetInt("poller.retry_ceiling"),
			DeliveryTimeout: viper.GetDuration("poller.delivery_timeout"),
			MaxInFlight:     viper.GetInt("poller.max_in_flight"),
		},
		Gateway: gateway.Config{
			BaseURL:    viper.GetString("discord.api_url"),
			BotToken:   viper.GetString("discord.bot_token"),
			Timeout:    viper.GetDuration("poller.delivery_timeout"),
			RatePerSec: viper.GetInt("discord.rate_per_sec"),
		},
		Auth: auth.Config{
			ClientID:     viper.GetString("discord.client_id"),
			ClientSecret: viper.GetString("discord.client_secret"),
			PublicURL:    publicURL,
			APIURL:       viper.GetString("discord.api_url"),
			AuthURL:      viper.GetString("discord.auth_url"),
			TokenURL:     viper.GetString("discord.token_url"),
		},
		Timers: timers.Config{
			RequireDMReady: viper.GetBool("timers.require_dm_ready"),
		},
		API: api.Config{
			PublicInviteURL: viper.GetString("discord.public_invite_url"),
			SecureCookies:   strings.HasPrefix(publicURL, "https://"),
			SessionTTL:      viper.GetDuration("session.ttl"),
		},
	}
}

func (c Config) validate() error {
	if c.Gateway.BotToken == "" {
		return fmt.Errorf("discord.bot_token not configured")
	}
	if c.Auth.ClientID == "" || c.Auth.ClientSecret == "" {
		return fmt.Errorf("discord.client_id and discord.client_secret must be configured")
	}
	return nil
}

// watchLogLevel applies log.level changes from the config file without a restart.
func watchLogLevel(log *zap.Logger, level zap.AtomicLevel) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		next := logger.ParseLevel(viper.GetString("log.level"))
		if next != level.Level() {
			level.SetLevel(next)
			log.Info("log level changed", zap.String("file", e.Name), zap.Stringer("level", next))
		}
	})
	viper.WatchConfig()
}
