// Package buildcfg assembles typed configuration for main from the
// loaded config file.
package buildcfg

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/config"
	"github.com/wb-go/wbf/dbpg"
)

type ServerConfig struct {
	Port string
}

type RabbitConfig struct {
	URL string
}

type AuthConfig struct {
	Secret    string
	TokenTTL  time.Duration
	TokenPath string
}

type MailConfig struct {
	Enabled  bool
	Host     string
	Port     int
	From     string
	Password string
}

func BuildServerConfig(cfg *config.Config, log *zerolog.Logger) ServerConfig {
	port := cfg.GetString("server.port")
	if port == "" {
		port = "8080"
		log.Warn().Msg("server.port not set, defaulting to 8080")
	}
	return ServerConfig{Port: port}
}

func BuildDBConfig(cfg *config.Config, log *zerolog.Logger) (string, []string, *dbpg.Options, error) {
	masterDSN := cfg.GetString("database.master_dsn")
	if masterDSN == "" {
		return "", nil, nil, fmt.Errorf("database.master_dsn is required")
	}

	slaveDSNs := cfg.GetStringSlice("database.slave_dsns")

	opts := &dbpg.Options{
		MaxOpenConns:    cfg.GetInt("database.max_open_conns"),
		MaxIdleConns:    cfg.GetInt("database.max_idle_conns"),
		ConnMaxLifetime: cfg.GetDuration("database.conn_max_lifetime"),
	}
	log.Info().Int("max_open", opts.MaxOpenConns).Msg("DB pool configured")

	return masterDSN, slaveDSNs, opts, nil
}

func BuildRabbitConfig(cfg *config.Config, log *zerolog.Logger) (RabbitConfig, error) {
	url := cfg.GetString("rabbit.url")
	if url == "" {
		return RabbitConfig{}, fmt.Errorf("rabbit.url is required")
	}
	return RabbitConfig{URL: url}, nil
}

func BuildAuthConfig(cfg *config.Config, log *zerolog.Logger) (AuthConfig, error) {
	secret := cfg.GetString("auth.secret")
	if secret == "" {
		return AuthConfig{}, fmt.Errorf("auth.secret is required")
	}

	ttl := cfg.GetDuration("auth.token_ttl")
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	tokenPath := cfg.GetString("auth.token_path")
	if tokenPath == "" {
		tokenPath = ".session_token"
	}

	return AuthConfig{Secret: secret, TokenTTL: ttl, TokenPath: tokenPath}, nil
}

func BuildMailConfig(cfg *config.Config, log *zerolog.Logger) MailConfig {
	mc := MailConfig{
		Enabled:  cfg.GetBool("mail.enabled"),
		Host:     cfg.GetString("mail.host"),
		Port:     cfg.GetInt("mail.port"),
		From:     cfg.GetString("mail.from"),
		Password: cfg.GetString("mail.password"),
	}
	if mc.Enabled && (mc.Host == "" || mc.From == "") {
		log.Warn().Msg("mail enabled but host/from missing, disabling")
		mc.Enabled = false
	}
	return mc
}
