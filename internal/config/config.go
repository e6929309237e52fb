// Package config loads and validates the daemon configuration.
//
// Configuration errors are fatal at startup by design: the daemon exits
// non-zero immediately rather than retrying, while transient runtime
// errors are retried forever by the scheduler.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Config is constructed once at startup and passed by reference into
// every component constructor. There is no ambient global configuration.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Portal     PortalConfig     `mapstructure:"portal"`
	Slurm      SlurmConfig      `mapstructure:"slurm"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Identity   IdentityConfig   `mapstructure:"identity"`
	Submission SubmissionConfig `mapstructure:"submission"`
	Sync       SyncConfig       `mapstructure:"sync"`
	GC         GCConfig         `mapstructure:"gc"`
	Update     UpdateConfig     `mapstructure:"update"`
	Harvest    HarvestConfig    `mapstructure:"harvest"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Server     ServerConfig     `mapstructure:"server"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type PortalConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SlurmConfig struct {
	SubmitTool  string  `mapstructure:"submit_tool"`
	InspectTool string  `mapstructure:"inspect_tool"`
	RateLimit   float64 `mapstructure:"rate_limit"`
}

type CacheConfig struct {
	// Dir holds the daemon's durable cache database.
	Dir string `mapstructure:"dir"`
}

// DBPath is the cache database file under the cache directory.
func (c CacheConfig) DBPath() string {
	return filepath.Join(c.Dir, "slurmbridge.db")
}

// Identity strategy names; the set is closed (no runtime plugins).
const (
	IdentityStrategyFixed     = "fixed"
	IdentityStrategyDirectory = "directory"
)

type IdentityConfig struct {
	Strategy      string        `mapstructure:"strategy"`
	FixedUsername string        `mapstructure:"fixed_username"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	LDAP          LDAPConfig    `mapstructure:"ldap"`
}

type LDAPConfig struct {
	URI               string `mapstructure:"uri"`
	BindDN            string `mapstructure:"bind_dn"`
	BindPassword      string `mapstructure:"bind_password"`
	BaseDN            string `mapstructure:"base_dn"`
	Domain            string `mapstructure:"domain"`
	UsernameAttribute string `mapstructure:"username_attribute"`
}

type SubmissionConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Workers   int           `mapstructure:"workers"`
	KeepFiles bool          `mapstructure:"keep_files"`
	WorkDir   string        `mapstructure:"work_dir"`
}

type SyncConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Workers  int           `mapstructure:"workers"`
}

type GCConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	MinAge   time.Duration `mapstructure:"min_age"`
}

type UpdateConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	IndexURL string        `mapstructure:"index_url"`
	Interval time.Duration `mapstructure:"interval"`
}

type HarvestConfig struct {
	Enabled      bool           `mapstructure:"enabled"`
	Interval     time.Duration  `mapstructure:"interval"`
	Window       time.Duration  `mapstructure:"window"`
	Measurements []string       `mapstructure:"measurements"`
	Influx       InfluxSettings `mapstructure:"influx"`
}

type InfluxSettings struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`
}

type SchedulerConfig struct {
	Workers      int           `mapstructure:"workers"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// Validate checks the invariants the daemon cannot start without.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Portal.BaseURL) == "" {
		errs = append(errs, errors.New("portal.base_url is required"))
	}
	if strings.TrimSpace(c.Portal.Token) == "" {
		errs = append(errs, errors.New("portal.token is required"))
	}
	if strings.TrimSpace(c.Slurm.SubmitTool) == "" {
		errs = append(errs, errors.New("slurm.submit_tool is required"))
	}
	if strings.TrimSpace(c.Slurm.InspectTool) == "" {
		errs = append(errs, errors.New("slurm.inspect_tool is required"))
	}
	if strings.TrimSpace(c.Cache.Dir) == "" {
		errs = append(errs, errors.New("cache.dir is required"))
	}

	switch c.Identity.Strategy {
	case IdentityStrategyFixed:
		if strings.TrimSpace(c.Identity.FixedUsername) == "" {
			errs = append(errs, errors.New("identity.fixed_username is required for the fixed strategy"))
		}
	case IdentityStrategyDirectory:
		if strings.TrimSpace(c.Identity.LDAP.URI) == "" {
			errs = append(errs, errors.New("identity.ldap.uri is required for the directory strategy"))
		}
		if strings.TrimSpace(c.Identity.LDAP.BaseDN) == "" {
			errs = append(errs, errors.New("identity.ldap.base_dn is required for the directory strategy"))
		}
		if c.Identity.CacheTTL <= 0 {
			errs = append(errs, errors.New("identity.cache_ttl must be > 0 for the directory strategy"))
		}
	default:
		errs = append(errs, fmt.Errorf("identity.strategy must be %q or %q",
			IdentityStrategyFixed, IdentityStrategyDirectory))
	}

	if c.Update.Enabled && strings.TrimSpace(c.Update.IndexURL) == "" {
		errs = append(errs, errors.New("update.index_url is required when update.enabled"))
	}

	if c.Harvest.Enabled {
		if strings.TrimSpace(c.Harvest.Influx.URL) == "" {
			errs = append(errs, errors.New("harvest.influx.url is required when harvest.enabled"))
		}
		if strings.TrimSpace(c.Harvest.Influx.Bucket) == "" {
			errs = append(errs, errors.New("harvest.influx.bucket is required when harvest.enabled"))
		}
		if len(c.Harvest.Measurements) == 0 {
			errs = append(errs, errors.New("harvest.measurements must not be empty when harvest.enabled"))
		}
	}

	for name, interval := range map[string]time.Duration{
		"submission.interval": c.Submission.Interval,
		"sync.interval":       c.Sync.Interval,
		"gc.interval":         c.GC.Interval,
	} {
		if interval <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", name))
		}
	}

	return errors.Join(errs...)
}
