package config

import (
	"flag"
	"fmt"
	"log/slog"
	"strings"

	"slices"

	"github.com/solidDoWant/infra-mk3/tooling/route-observer/pkg/routecache"
	"github.com/solidDoWant/infra-mk3/tooling/route-observer/pkg/transport"
)

// Config holds all configuration options for the route observer
type Config struct {
	Transport    string
	Family       string
	CacheBuckets int
	LogLevel     string
	MetricsPort  int
}

// ParseFlags parses command line flags and returns a Config struct
func ParseFlags(args []string) Config {
	var config Config

	flag.StringVar(&config.Transport, "transport", "netlink", "Notification transport to use (netlink or raw)")
	flag.StringVar(&config.Family, "family", "ipv4", "Address family to observe (ipv4 or all)")
	flag.IntVar(&config.CacheBuckets, "cache-buckets", routecache.DefaultBuckets, "Number of hash buckets for the route cache")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.IntVar(&config.MetricsPort, "metrics-port", 9090, "Port for Prometheus metrics endpoint")

	flag.CommandLine.Parse(args)

	return config
}

// Validate validates the configuration and returns an error if invalid
func (c Config) Validate() error {
	transportName := strings.ToLower(c.Transport)
	if transportName != "netlink" && transportName != "raw" {
		return fmt.Errorf("transport must be 'netlink' or 'raw'")
	}

	familyName := strings.ToLower(c.Family)
	if familyName != "ipv4" && familyName != "all" {
		return fmt.Errorf("family must be 'ipv4' or 'all'")
	}

	if c.CacheBuckets < 1 {
		return fmt.Errorf("cache-buckets must be at least 1")
	}

	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		return fmt.Errorf("metrics port must be between 1 and 65535")
	}

	// Validate log level
	normalizedLevel := strings.ToLower(c.LogLevel)
	validLevels := []string{"debug", "info", "warn", "error"}
	isValid := slices.Contains(validLevels, normalizedLevel)
	if !isValid {
		return fmt.Errorf("log level must be one of: %s", strings.Join(validLevels, ", "))
	}

	return nil
}

// GetSlogLevel converts the LogLevel string to a slog.Level
func (c Config) GetSlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo // Default fallback
	}
}

// GetFamily converts the Family string to a transport.Family
func (c Config) GetFamily() transport.Family {
	switch strings.ToLower(c.Family) {
	case "all":
		return transport.FamilyAll
	default:
		return transport.FamilyIPv4
	}
}

// IsRawTransport reports whether the raw transport was selected
func (c Config) IsRawTransport() bool {
	return strings.ToLower(c.Transport) == "raw"
}
