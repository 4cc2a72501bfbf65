package config

import (
	"flag"
	"os"
	"strconv"
)

// Config holds the softphone agent configuration
type Config struct {
	// SIP settings
	SIPBindAddr string // Address the SIP UDP transport binds to
	SIPPort     int    // Local SIP port
	UserAgent   string // User-Agent string sent in SIP requests

	// UI bridge settings
	HTTPBindAddr string
	HTTPPort     int

	// Logging
	LogLevel string
	LogFile  string // Optional rotated log file; empty disables
}

// Load loads configuration from command line flags and environment variables
func Load() *Config {
	cfg := &Config{}

	// Define flags
	flag.StringVar(&cfg.SIPBindAddr, "sip-bind", "0.0.0.0", "SIP bind address")
	flag.IntVar(&cfg.SIPPort, "sip-port", 5080, "Local SIP port")
	flag.StringVar(&cfg.UserAgent, "user-agent", "Hardline/1.0", "SIP User-Agent string")
	flag.StringVar(&cfg.HTTPBindAddr, "http-bind", "127.0.0.1", "UI bridge bind address")
	flag.IntVar(&cfg.HTTPPort, "http-port", 8080, "UI bridge HTTP port")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFile, "logfile", "", "Rotated log file path (empty disables)")

	flag.Parse()

	applyEnv(cfg)

	return cfg
}

// applyEnv overrides flag values with environment variables when set.
func applyEnv(cfg *Config) {
	if bind := os.Getenv("SIP_BIND"); bind != "" {
		cfg.SIPBindAddr = bind
	}
	if port := os.Getenv("SIP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.SIPPort = p
		}
	}
	if ua := os.Getenv("SIP_USER_AGENT"); ua != "" {
		cfg.UserAgent = ua
	}
	if bind := os.Getenv("HTTP_BIND"); bind != "" {
		cfg.HTTPBindAddr = bind
	}
	if port := os.Getenv("HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.HTTPPort = p
		}
	}
	if loglevel := os.Getenv("LOGLEVEL"); loglevel != "" {
		cfg.LogLevel = loglevel
	}
	if logfile := os.Getenv("LOGFILE"); logfile != "" {
		cfg.LogFile = logfile
	}
}
