package cli

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cavelabs/caved/internal/ratelimit"
	"github.com/cavelabs/caved/internal/service"
	"github.com/cavelabs/caved/internal/store"
	"github.com/cavelabs/caved/internal/webhook"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// webhookSecretSetting is the settings-store key for a persisted webhook
// signing secret.
const webhookSecretSetting = "webhook_secret"

// devWebhookSecret is used when no secret is configured anywhere. Fine for
// local experiments, loudly logged otherwise.
const devWebhookSecret = "caved-dev-secret-change-me"

// resolveDataDir returns the data directory from the --data-dir flag,
// the CAVED_DATA_DIR env var, or ~/.caved as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv("CAVED_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return home + "/.caved"
}

// resolveDSN picks the key store location: an explicit store.dsn setting
// (Postgres URL or directory path) wins, otherwise the data directory.
func resolveDSN() string {
	if dsn := viper.GetString("store.dsn"); dsn != "" {
		return dsn
	}
	return resolveDataDir()
}

// openStore opens the key store at the configured location.
func openStore() (*store.Store, error) {
	return store.NewStore(resolveDSN())
}

// resolveWebhookSecret returns the rotation webhook signing secret:
// configuration (CAVED_WEBHOOK_SECRET or webhook.secret) first, then the
// settings table, then the development fallback.
func resolveWebhookSecret(ctx context.Context, st *store.Store, logger *slog.Logger) []byte {
	if raw := viper.GetString("webhook.secret"); raw != "" {
		return webhook.ParseSecret(raw)
	}
	if raw, err := st.GetSetting(ctx, webhookSecretSetting); err == nil && raw != "" {
		return webhook.ParseSecret(raw)
	}
	logger.Warn("no webhook secret configured, using development default",
		"hint", "set CAVED_WEBHOOK_SECRET or run: caved config set-secret")
	return []byte(devWebhookSecret)
}

// newKeyService assembles the key lifecycle service over an open store.
func newKeyService(st *store.Store, logger *slog.Logger) *service.KeyService {
	limiter := ratelimit.New(time.Minute)
	notifier := webhook.NewNotifier(resolveWebhookSecret(context.Background(), st, logger))
	return service.NewKeyService(st, limiter, notifier, logger)
}

// newLogger builds the CLI logger. Commands that produce human output keep
// it quiet; serve raises the level via its own flags.
func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
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
