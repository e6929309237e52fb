package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Load reads configuration from the given file (optional), the default
// search paths, and SLURMBRIDGE_* environment variables, then validates
// the result.
//
// Precedence, highest first: environment, config file, built-in defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SLURMBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/slurmbridge")
		v.AddConfigPath("$HOME/.config/slurmbridge")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			// A missing file is fine (env + defaults); anything else is not.
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// bindEnvKeys registers the keys with no built-in default. AutomaticEnv
// only resolves keys viper already knows about, so without an explicit
// bind these would be invisible to Unmarshal in env-only deployments.
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"portal.base_url",
		"portal.token",
		"identity.fixed_username",
		"identity.ldap.uri",
		"identity.ldap.bind_dn",
		"identity.ldap.bind_password",
		"identity.ldap.base_dn",
		"identity.ldap.domain",
		"update.index_url",
		"harvest.measurements",
		"harvest.influx.url",
		"harvest.influx.token",
		"harvest.influx.org",
		"harvest.influx.bucket",
	} {
		_ = v.BindEnv(key)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("portal.timeout", 30*time.Second)

	v.SetDefault("slurm.submit_tool", "sbatch")
	v.SetDefault("slurm.inspect_tool", "scontrol")
	v.SetDefault("slurm.rate_limit", 10.0)

	v.SetDefault("cache.dir", "/var/lib/slurmbridge")

	v.SetDefault("identity.strategy", IdentityStrategyFixed)
	v.SetDefault("identity.cache_ttl", time.Hour)
	v.SetDefault("identity.ldap.username_attribute", "uid")

	v.SetDefault("submission.interval", 30*time.Second)
	v.SetDefault("submission.workers", 4)
	v.SetDefault("submission.keep_files", false)
	v.SetDefault("submission.work_dir", "/var/tmp/slurmbridge")

	v.SetDefault("sync.interval", 60*time.Second)
	v.SetDefault("sync.workers", 4)

	v.SetDefault("gc.interval", 15*time.Minute)
	v.SetDefault("gc.min_age", time.Hour)

	v.SetDefault("update.enabled", false)
	v.SetDefault("update.interval", 6*time.Hour)

	v.SetDefault("harvest.enabled", false)
	v.SetDefault("harvest.interval", 5*time.Minute)
	v.SetDefault("harvest.window", 5*time.Minute)

	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.drain_timeout", 30*time.Second)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8642)
}
