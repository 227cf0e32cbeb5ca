// Package config loads service configuration from defaults, an optional
// TOML file and environment variables, in increasing order of precedence.
// Command-line flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"convene/internal/availability"
)

// Duration is a time.Duration read from strings such as "30m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config holds the service configuration.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Database    DatabaseConfig    `toml:"database"`
	Google      GoogleConfig      `toml:"google"`
	CalDAV      CalDAVConfig      `toml:"caldav"`
	Scheduling  SchedulingConfig  `toml:"scheduling"`
	Credentials CredentialsConfig `toml:"credentials"`
	Checks      ChecksConfig      `toml:"checks"`
	Log         LogConfig         `toml:"log"`
}

type ServerConfig struct {
	Addr         string   `toml:"addr"`
	ReadTimeout  Duration `toml:"read_timeout"`
	WriteTimeout Duration `toml:"write_timeout"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type GoogleConfig struct {
	ClientID     string  `toml:"client_id"`
	ClientSecret string  `toml:"client_secret"`
	RedirectURL  string  `toml:"redirect_url"`
	RateLimit    float64 `toml:"rate_limit"` // Requests per second per user, 0 for unlimited
	RateBurst    int     `toml:"rate_burst"`
}

type CalDAVConfig struct {
	Endpoint     string `toml:"endpoint"`
	CalendarName string `toml:"calendar_name"` // Empty selects the first calendar holding events
}

type SchedulingConfig struct {
	Timezone       string   `toml:"timezone"`
	Workdays       []string `toml:"workdays"`
	DayStart       string   `toml:"day_start"` // "09:00"
	DayEnd         string   `toml:"day_end"`
	Granularity    Duration `toml:"granularity"`
	TopN           int      `toml:"top_n"`
	MaxWindow      Duration `toml:"max_window"`
	ResolveTimeout Duration `toml:"resolve_timeout"`
}

type CredentialsConfig struct {
	CacheTTL    Duration `toml:"cache_ttl"`
	Concurrency int      `toml:"concurrency"`
}

type ChecksConfig struct {
	TTL Duration `toml:"ttl"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "text" or "json"
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  Duration{15 * time.Second},
			WriteTimeout: Duration{60 * time.Second},
		},
		Database: DatabaseConfig{Path: "convene.db"},
		Google: GoogleConfig{
			RateLimit: 10,
			RateBurst: 5,
		},
		CalDAV: CalDAVConfig{Endpoint: "https://caldav.icloud.com"},
		Scheduling: SchedulingConfig{
			Timezone:       "UTC",
			Workdays:       []string{"mon", "tue", "wed", "thu", "fri"},
			DayStart:       "09:00",
			DayEnd:         "17:00",
			Granularity:    Duration{30 * time.Minute},
			TopN:           3,
			MaxWindow:      Duration{31 * 24 * time.Hour},
			ResolveTimeout: Duration{30 * time.Second},
		},
		Credentials: CredentialsConfig{CacheTTL: Duration{50 * time.Minute}},
		Checks:      ChecksConfig{TTL: Duration{15 * time.Minute}},
		Log:         LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration. path, when non-empty, must name a readable
// TOML file. getenv is usually os.Getenv.
func Load(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()

	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("unknown keys in config file %s: %s", path, strings.Join(keys, ", "))
		}
	}

	if getenv == nil {
		getenv = os.Getenv
	}
	if err := applyEnv(cfg, getenv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *Duration) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			dst.Duration = d
		}
	}
	integer := func(key string, dst *int) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("CONVENE_ADDR", &cfg.Server.Addr)
	str("DATABASE_PATH", &cfg.Database.Path)
	str("GOOGLE_CLIENT_ID", &cfg.Google.ClientID)
	str("GOOGLE_CLIENT_SECRET", &cfg.Google.ClientSecret)
	str("GOOGLE_REDIRECT_URL", &cfg.Google.RedirectURL)
	if v := strings.TrimSpace(getenv("GOOGLE_RATE_LIMIT")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("GOOGLE_RATE_LIMIT: %w", err))
		} else {
			cfg.Google.RateLimit = f
		}
	}
	str("CALDAV_ENDPOINT", &cfg.CalDAV.Endpoint)
	str("CALDAV_CALENDAR_NAME", &cfg.CalDAV.CalendarName)
	str("PRIMARY_TIMEZONE", &cfg.Scheduling.Timezone)
	if v := strings.TrimSpace(getenv("WORKDAYS")); v != "" {
		cfg.Scheduling.Workdays = strings.Split(v, ",")
	}
	if v := strings.TrimSpace(getenv("BUSINESS_HOURS")); v != "" {
		start, end, ok := strings.Cut(v, "-")
		if !ok {
			errs = append(errs, fmt.Errorf("BUSINESS_HOURS: want HH:MM-HH:MM, got %q", v))
		} else {
			cfg.Scheduling.DayStart, cfg.Scheduling.DayEnd = strings.TrimSpace(start), strings.TrimSpace(end)
		}
	}
	dur("SLOT_GRANULARITY", &cfg.Scheduling.Granularity)
	integer("TOP_N", &cfg.Scheduling.TopN)
	dur("RESOLVE_TIMEOUT", &cfg.Scheduling.ResolveTimeout)
	dur("CREDENTIAL_CACHE_TTL", &cfg.Credentials.CacheTTL)
	dur("CHECK_TTL", &cfg.Checks.TTL)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	return errors.Join(errs...)
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	var errs []error
	if g := c.Scheduling.Granularity.Duration; g != 15*time.Minute && g != 30*time.Minute {
		errs = append(errs, fmt.Errorf("scheduling.granularity must be 15m or 30m, got %s", g))
	}
	if c.Scheduling.TopN <= 0 {
		errs = append(errs, fmt.Errorf("scheduling.top_n must be positive"))
	}
	if _, err := c.BusinessHours(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Location loads the scheduling timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Scheduling.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Scheduling.Timezone, err)
	}
	return loc, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// BusinessHours builds the availability policy from the scheduling section.
func (c *Config) BusinessHours() (availability.BusinessHours, error) {
	loc, err := c.Location()
	if err != nil {
		return availability.BusinessHours{}, err
	}
	bh := availability.BusinessHours{Location: loc}
	for _, d := range c.Scheduling.Workdays {
		key := strings.ToLower(strings.TrimSpace(d))
		if len(key) > 3 {
			key = key[:3]
		}
		wd, ok := weekdays[key]
		if !ok {
			return availability.BusinessHours{}, fmt.Errorf("unknown workday %q", d)
		}
		bh.Weekdays = append(bh.Weekdays, wd)
	}
	if bh.Open, err = clockTime(c.Scheduling.DayStart); err != nil {
		return availability.BusinessHours{}, err
	}
	if bh.Close, err = clockTime(c.Scheduling.DayEnd); err != nil {
		return availability.BusinessHours{}, err
	}
	return bh, bh.Validate()
}

// clockTime parses "HH:MM" into an offset from midnight. "24:00" is allowed.
func clockTime(s string) (time.Duration, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	hh, err1 := strconv.Atoi(h)
	mm, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hh < 0 || hh > 24 || mm < 0 || mm > 59 || (hh == 24 && mm != 0) {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
}

// ResolverConfig derives the availability resolver settings.
func (c *Config) ResolverConfig() (availability.Config, error) {
	bh, err := c.BusinessHours()
	if err != nil {
		return availability.Config{}, err
	}
	return availability.Config{
		Granularity: c.Scheduling.Granularity.Duration,
		TopN:        c.Scheduling.TopN,
		MaxWindow:   c.Scheduling.MaxWindow.Duration,
		Hours:       bh,
		Concurrency: c.Credentials.Concurrency,
	}, nil
}
