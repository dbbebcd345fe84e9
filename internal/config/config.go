package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/matt0x6f/headless-irc/internal/irc"
	"github.com/matt0x6f/headless-irc/internal/logger"
	"github.com/matt0x6f/headless-irc/internal/security"
	"github.com/matt0x6f/headless-irc/internal/validation"
)

// Config is the loaded application configuration
type Config struct {
	LogLevel      string
	LogRaw        bool
	Notifications bool
	Networks      []NetworkConfig
	Settings      map[string]any
}

// NetworkConfig describes one network connection
type NetworkConfig struct {
	ID            string
	Name          string
	Server        string
	Port          int
	TLS           bool
	Password      string
	UseKeychain   bool
	Nick          string
	Username      string
	Gecos         string
	Encoding      string
	AutoReconnect bool
	AutoJoin      []string
	SASL          SASLConfig
}

// SASLConfig mirrors the client's SASL options in file form
type SASLConfig struct {
	Enabled          bool
	Mechanism        string
	Username         string
	Password         string
	UseKeychain      bool
	DisconnectOnFail bool
}

type fileConfig struct {
	LogLevel      string         `toml:"log_level"`
	LogRaw        bool           `toml:"log_raw"`
	Notifications bool           `toml:"notifications"`
	Networks      []fileNetwork  `toml:"networks"`
	Settings      map[string]any `toml:"settings"`
}

type fileNetwork struct {
	ID            string   `toml:"id"`
	Name          string   `toml:"name"`
	Server        string   `toml:"server"`
	Port          int      `toml:"port"`
	TLS           bool     `toml:"tls"`
	Password      string   `toml:"password"`
	UseKeychain   bool     `toml:"use_keychain"`
	Nick          string   `toml:"nick"`
	Username      string   `toml:"username"`
	Gecos         string   `toml:"gecos"`
	Encoding      string   `toml:"encoding"`
	AutoReconnect bool     `toml:"auto_reconnect"`
	AutoJoin      []string `toml:"autojoin"`
	SASL          fileSASL `toml:"sasl"`
}

type fileSASL struct {
	Enabled          bool   `toml:"enabled"`
	Mechanism        string `toml:"mechanism"`
	Username         string `toml:"username"`
	Password         string `toml:"password"`
	UseKeychain      bool   `toml:"use_keychain"`
	DisconnectOnFail bool   `toml:"disconnect_on_fail"`
}

// Load reads and validates a TOML configuration file
func Load(path string) (*Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	cfg := &Config{
		LogLevel:      raw.LogLevel,
		LogRaw:        raw.LogRaw,
		Notifications: raw.Notifications,
		Settings:      raw.Settings,
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if !meta.IsDefined("notifications") {
		cfg.Notifications = true
	}
	if cfg.Settings == nil {
		cfg.Settings = make(map[string]any)
	}

	for i, net := range raw.Networks {
		nc := NetworkConfig{
			ID:            strings.TrimSpace(net.ID),
			Name:          strings.TrimSpace(net.Name),
			Server:        strings.TrimSpace(net.Server),
			Port:          net.Port,
			TLS:           net.TLS,
			Password:      net.Password,
			UseKeychain:   net.UseKeychain,
			Nick:          strings.TrimSpace(net.Nick),
			Username:      strings.TrimSpace(net.Username),
			Gecos:         net.Gecos,
			Encoding:      net.Encoding,
			AutoReconnect: net.AutoReconnect,
			AutoJoin:      net.AutoJoin,
			SASL: SASLConfig{
				Enabled:          net.SASL.Enabled,
				Mechanism:        net.SASL.Mechanism,
				Username:         net.SASL.Username,
				Password:         net.SASL.Password,
				UseKeychain:      net.SASL.UseKeychain,
				DisconnectOnFail: net.SASL.DisconnectOnFail,
			},
		}
		if nc.ID == "" {
			nc.ID = fmt.Sprintf("%d", i+1)
		}
		if nc.Name == "" {
			nc.Name = nc.Server
		}
		if nc.Port == 0 {
			nc.Port = 6667
		}
		if nc.SASL.Enabled && nc.SASL.Mechanism == "" {
			nc.SASL.Mechanism = "PLAIN"
		}

		if err := validation.ValidateServerAddress(nc.Server, nc.Port); err != nil {
			return nil, fmt.Errorf("networks[%d]: %w", i, err)
		}
		if nc.Nick != "" {
			if err := validation.ValidateNickname(nc.Nick); err != nil {
				return nil, fmt.Errorf("networks[%d]: %w", i, err)
			}
		}
		cfg.Networks = append(cfg.Networks, nc)
	}

	if len(cfg.Networks) == 0 {
		return nil, fmt.Errorf("config %s defines no networks", path)
	}
	return cfg, nil
}

// ClientOptions converts one network entry into client options, resolving
// keychain-backed passwords when requested. A keychain miss degrades to an
// empty password rather than failing the whole startup.
func (c *Config) ClientOptions(nc NetworkConfig) irc.Options {
	keychain := security.NewKeychain()

	password := nc.Password
	if password == "" && nc.UseKeychain {
		stored, err := keychain.GetPassword(nc.Server)
		if err != nil {
			logger.Log.Warn().Err(err).Str("server", nc.Server).Msg("Keychain lookup failed")
		} else {
			password = stored
		}
	}

	saslPassword := nc.SASL.Password
	if saslPassword == "" && nc.SASL.UseKeychain {
		stored, err := keychain.GetPassword(nc.Server + "/sasl")
		if err != nil {
			logger.Log.Warn().Err(err).Str("server", nc.Server).Msg("Keychain lookup failed")
		} else {
			saslPassword = stored
		}
	}

	settings := make(map[string]any, len(c.Settings)+1)
	for name, value := range c.Settings {
		settings[name] = value
	}
	if c.LogRaw {
		settings["log_raw"] = true
	}

	return irc.Options{
		Server:        nc.Server,
		Port:          nc.Port,
		TLS:           nc.TLS,
		Password:      password,
		Nick:          nc.Nick,
		Username:      nc.Username,
		Gecos:         nc.Gecos,
		Encoding:      nc.Encoding,
		AutoReconnect: nc.AutoReconnect,
		SASL: irc.SASLConfig{
			Enabled:          nc.SASL.Enabled,
			Mechanism:        nc.SASL.Mechanism,
			Username:         nc.SASL.Username,
			Password:         saslPassword,
			DisconnectOnFail: nc.SASL.DisconnectOnFail,
		},
		NetworkID:   nc.ID,
		NetworkName: nc.Name,
		AutoJoin:    nc.AutoJoin,
		Settings:    settings,
	}
}
