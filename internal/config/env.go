package config

import (
	"os"
	"strings"
)

// Environment overrides for secrets. Values from the environment win over the file,
// so the config file can be committed without credentials.
const (
	EnvProviderToken = "DELIVERYD_PROVIDER_TOKEN"
	EnvAppSecret     = "DELIVERYD_APP_SECRET"
	EnvVerifyToken   = "DELIVERYD_VERIFY_TOKEN"
	EnvAdminToken    = "DELIVERYD_ADMIN_TOKEN"
	EnvTelegramToken = "DELIVERYD_TELEGRAM_TOKEN"
	EnvRedisPassword = "DELIVERYD_REDIS_PASSWORD"
)

// ApplyEnv overlays secrets from the process environment onto cfg.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	setFromEnv(&cfg.Provider.AccessToken, EnvProviderToken)
	setFromEnv(&cfg.Provider.AppSecret, EnvAppSecret)
	setFromEnv(&cfg.Provider.VerifyToken, EnvVerifyToken)
	setFromEnv(&cfg.HTTP.AdminToken, EnvAdminToken)
	if cfg.Alerts != nil && cfg.Alerts.Telegram != nil {
		setFromEnv(&cfg.Alerts.Telegram.Token, EnvTelegramToken)
	}
	if cfg.Redis != nil {
		setFromEnv(&cfg.Redis.Password, EnvRedisPassword)
	}
}

func setFromEnv(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}
