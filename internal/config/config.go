package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultHTTPAddr    = ":8080"
	defaultMetricsAddr = ":9102"

	defaultRefreshInterval    = 60 * time.Second
	defaultRegistrationPage   = 50
	defaultMissedActionScan   = 10 * time.Minute
	defaultPlatformTimeout    = 120 * time.Second
	defaultEngageRestartDelay = 5 * time.Second
)

type Config struct {
	PlatformURL     string
	PlatformToken   string
	PlatformUserID  string
	PlatformTimeout time.Duration

	EngineNames []string
	GroupNames  []string

	HTTPAddr    string
	MetricsAddr string

	RefreshInterval          time.Duration
	RegistrationPageSize     int
	MissedActionScanInterval time.Duration
	EngageRestartDelay       time.Duration
	RestartClaimedActions    bool

	VaultAddr      string
	VaultToken     string
	VaultNamespace string
}

type LoadOptions struct {
	RequirePlatformURL bool
}

func Load() (Config, error) {
	return LoadWithOptions(LoadOptions{RequirePlatformURL: true})
}

func LoadOptionalPlatform() (Config, error) {
	return LoadWithOptions(LoadOptions{RequirePlatformURL: false})
}

func LoadWithOptions(opts LoadOptions) (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, err
		}
	}

	cfg := Config{
		PlatformURL:              strings.TrimSpace(os.Getenv("PLATFORM_URL")),
		PlatformToken:            strings.TrimSpace(os.Getenv("PLATFORM_TOKEN")),
		PlatformUserID:           getenvDefault("PLATFORM_USER_ID", "governd"),
		PlatformTimeout:          defaultPlatformTimeout,
		EngineNames:              splitList(os.Getenv("ENGINE_NAMES")),
		GroupNames:               splitList(os.Getenv("GROUP_NAMES")),
		HTTPAddr:                 getenvDefault("HTTP_ADDR", defaultHTTPAddr),
		MetricsAddr:              getenvDefault("METRICS_ADDR", defaultMetricsAddr),
		RefreshInterval:          defaultRefreshInterval,
		RegistrationPageSize:     getenvIntDefault("REGISTRATION_PAGE_SIZE", defaultRegistrationPage),
		MissedActionScanInterval: defaultMissedActionScan,
		EngageRestartDelay:       defaultEngageRestartDelay,
		RestartClaimedActions:    getenvBoolDefault("RESTART_CLAIMED_ACTIONS", true),
		VaultAddr:                strings.TrimSpace(os.Getenv("VAULT_ADDR")),
		VaultToken:               strings.TrimSpace(os.Getenv("VAULT_TOKEN")),
		VaultNamespace:           strings.TrimSpace(os.Getenv("VAULT_NAMESPACE")),
	}

	if v := os.Getenv("PLATFORM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.PlatformTimeout = d
		}
	}
	if v := os.Getenv("REFRESH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.RefreshInterval = d
		}
	}
	if v := os.Getenv("MISSED_ACTION_SCAN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.MissedActionScanInterval = d
		}
	}
	if v := os.Getenv("ENGAGE_RESTART_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.EngageRestartDelay = d
		}
	}

	if opts.RequirePlatformURL && cfg.PlatformURL == "" {
		return cfg, errors.New("PLATFORM_URL is required")
	}
	if opts.RequirePlatformURL && len(cfg.EngineNames) == 0 && len(cfg.GroupNames) == 0 {
		return cfg, errors.New("at least one of ENGINE_NAMES or GROUP_NAMES is required")
	}

	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func getenvBoolDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch v {
	case "1":
		return true
	case "0":
		return false
	default:
		return def
	}
}
