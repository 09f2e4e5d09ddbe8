package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/mailgate/mailgate/internal/allocation"
	"github.com/mailgate/mailgate/internal/cardkey"
	"github.com/mailgate/mailgate/internal/codec"
	"github.com/mailgate/mailgate/internal/config"
	"github.com/mailgate/mailgate/internal/invite"
	"github.com/mailgate/mailgate/internal/ledger"
	"github.com/mailgate/mailgate/internal/model"
	"github.com/mailgate/mailgate/internal/server"
	"github.com/mailgate/mailgate/internal/service"
	"github.com/mailgate/mailgate/internal/store"
	"github.com/mailgate/mailgate/internal/store/redisledger"
	"github.com/mailgate/mailgate/internal/token"
)

// errNoTokenSecret is returned by commands that encode or decode tokens
// when no secret is configured.
var errNoTokenSecret = errors.New("auth.token_secret is not set (use 'mailgate config secret' or MAILGATE_AUTH_TOKEN_SECRET)")

// loadConfig returns the effective configuration: defaults, then the YAML
// file viper found, then MAILGATE_* environment variables and bound flags.
// A missing config file leaves the defaults in place.
func loadConfig() (*config.YAMLConfig, error) {
	cfg := config.DefaultYAMLConfig()
	if path := viper.ConfigFileUsed(); path != "" {
		loaded, err := config.LoadYAMLConfig(path)
		switch {
		case err == nil:
			cfg = loaded
		case !errors.Is(err, fs.ErrNotExist):
			return nil, err
		}
	}

	overrideString(&cfg.Server.Host, "server.host")
	overrideInt(&cfg.Server.Port, "server.port")
	overrideString(&cfg.Auth.TokenSecret, "auth.token_secret")
	overrideString(&cfg.Auth.JWTSecret, "auth.jwt_secret")
	overrideString(&cfg.Auth.JWTExpiry, "auth.jwt_expiry")
	overrideString(&cfg.Store.Driver, "store.driver")
	overrideString(&cfg.Store.DSN, "store.dsn")
	overrideString(&cfg.Ledger.Driver, "ledger.driver")
	overrideString(&cfg.Ledger.RedisAddr, "ledger.redis_addr")
	overrideString(&cfg.Ledger.RedisPassword, "ledger.redis_password")
	overrideInt(&cfg.Ledger.RedisDB, "ledger.redis_db")
	overrideString(&cfg.Ledger.RedisPrefix, "ledger.redis_prefix")
	overrideString(&cfg.Allocation.PreferProtocol, "allocation.prefer_protocol")
	overrideInt(&cfg.Allocation.MaxRetries, "allocation.max_retries")
	overrideString(&cfg.Logging.Level, "logging.level")
	overrideString(&cfg.Logging.Format, "logging.format")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func overrideString(dst *string, key string) {
	if viper.IsSet(key) {
		*dst = viper.GetString(key)
	}
}

func overrideInt(dst *int, key string) {
	if viper.IsSet(key) {
		*dst = viper.GetInt(key)
	}
}

// newLogger builds the process logger from the logging section. --dev
// forces debug level.
func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if devMode {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// app holds the components shared by the commands.
type app struct {
	cfg     *config.YAMLConfig
	logger  *slog.Logger
	store   *store.Store
	ledger  *ledger.Ledger
	engine  *allocation.Engine
	gateway *service.Gateway
	checks  map[string]server.Pinger
	closers []func() error
}

// openApp loads the configuration, opens the store and the ledger and builds
// the allocation engine. With withTokens it also builds the token services
// and the gateway, which need auth.token_secret.
func openApp(withTokens bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if withTokens && cfg.Auth.TokenSecret == "" {
		return nil, errNoTokenSecret
	}

	a := &app{
		cfg:    cfg,
		logger: newLogger(cfg.Logging, os.Stderr),
		checks: map[string]server.Pinger{},
	}

	st, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = st
	a.closers = append(a.closers, st.Close)
	a.logger.Debug("store opened", "driver", st.Driver())

	ledgerStore, err := a.openLedgerStore()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.ledger = ledger.New(ledgerStore)

	prefer := model.ProtocolGraph
	if cfg.Allocation.PreferProtocol != "" {
		prefer, _ = model.ParseProtocol(cfg.Allocation.PreferProtocol)
	}
	a.engine = allocation.NewEngine(st, allocation.Config{
		Prefer:     prefer,
		MaxRetries: cfg.Allocation.MaxRetries,
	}, a.logger)

	if cfg.Auth.TokenSecret != "" {
		c, err := codec.New([]byte(cfg.Auth.TokenSecret))
		if err != nil {
			a.Close()
			return nil, err
		}
		env := token.NewEnvelope(c)
		a.gateway = service.NewGateway(
			cardkey.NewService(env, a.ledger, a.logger),
			invite.NewService(env, a.ledger, a.logger),
			a.engine,
			a.logger,
		)
	}
	return a, nil
}

func (a *app) openLedgerStore() (ledger.Store, error) {
	if a.cfg.Ledger.Driver != "redis" {
		return a.store, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Ledger.RedisAddr,
		Password: a.cfg.Ledger.RedisPassword,
		DB:       a.cfg.Ledger.RedisDB,
	})
	a.closers = append(a.closers, client.Close)

	rs := redisledger.New(client, a.cfg.Ledger.RedisPrefix)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rs.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connect redis ledger at %s: %w", a.cfg.Ledger.RedisAddr, err)
	}
	a.checks["ledger"] = rs
	a.logger.Debug("redis ledger connected", "addr", a.cfg.Ledger.RedisAddr)
	return rs, nil
}

// Close releases everything openApp opened, last opened first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// printJSON writes v to w as indented JSON.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
