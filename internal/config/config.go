// Package config loads the Quartermaster server's configuration with
// github.com/spf13/viper: flags, environment variables (QUARTERMASTER_*),
// and an optional config file, in that order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/usb-quartermaster/quartermaster/internal/api"
	"github.com/usb-quartermaster/quartermaster/internal/ci/teamcity"
)

// ServerConfig is everything cmd/quartermaster-server needs to start.
type ServerConfig struct {
	ListenAddress string
	DBPath        string

	ReservationMax time.Duration
	CheckinTimeout time.Duration

	Auth api.AuthConfig

	TeamCity *teamcity.Config // nil disables CI integration

	Debug bool
}

// teamCityPoolConfig is the config-file/env shape one administrator-declared
// TeamCity pool mapping takes, converted into teamcity.TeamCityPool.
type teamCityPoolConfig struct {
	Name              string `mapstructure:"name"`
	PoolID            string `mapstructure:"pool_id"`
	SharedResourceURL string `mapstructure:"shared_resource_url"`
}

// BindFlags registers the server's command-line flags onto fs, to be parsed
// by the caller before Load reads them back out of viper.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("listen-address", ":8080", "Address the Reservation HTTP API listens on")
	fs.String("db-path", "quartermaster.db", "Path to the bbolt database file")
	fs.Duration("reservation-max", 8*time.Hour, "Maximum lifetime of a single reservation before it is force-expired")
	fs.Duration("checkin-timeout", 5*time.Minute, "How long a reservation may go without a check-in before it is force-expired")
	fs.Bool("debug", false, "Enable debug logging")
	fs.String("config", "", "Optional path to a YAML config file (for TeamCity pools, auth credentials)")
}

// Load builds a ServerConfig from viper, after BindFlags' flags have been
// parsed and bound with v.BindPFlags.
func Load(v *viper.Viper) (ServerConfig, error) {
	v.SetEnvPrefix("QUARTERMASTER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return ServerConfig{}, fmt.Errorf("reading config file %q: %w", path, err)
		}
	}

	cfg := ServerConfig{
		ListenAddress:  v.GetString("listen-address"),
		DBPath:         v.GetString("db-path"),
		ReservationMax: v.GetDuration("reservation-max"),
		CheckinTimeout: v.GetDuration("checkin-timeout"),
		Debug:          v.GetBool("debug"),
		Auth: api.AuthConfig{
			BearerTokens:      v.GetStringMapString("auth.bearer_tokens"),
			BasicCredentials:  v.GetStringMapString("auth.basic_credentials"),
			SessionCookieName: v.GetString("auth.session_cookie_name"),
		},
	}

	if v.IsSet("teamcity.host") {
		var pools []teamCityPoolConfig
		if err := v.UnmarshalKey("teamcity.pools", &pools); err != nil {
			return ServerConfig{}, fmt.Errorf("parsing teamcity.pools: %w", err)
		}
		tcPools := make([]teamcity.TeamCityPool, 0, len(pools))
		for _, p := range pools {
			tcPools = append(tcPools, teamcity.TeamCityPool{Name: p.Name, PoolID: p.PoolID, SharedResourceURL: p.SharedResourceURL})
		}
		cfg.TeamCity = &teamcity.Config{
			Host:                v.GetString("teamcity.host"),
			Username:            v.GetString("teamcity.username"),
			Password:            v.GetString("teamcity.password"),
			ReservationUsername: v.GetString("teamcity.reservation_username"),
			Pools:               tcPools,
		}
	}

	return cfg, nil
}
