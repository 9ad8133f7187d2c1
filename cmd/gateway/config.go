package main

import (
	"errors"
	"os"
	"strconv"
)

type config struct {
	listenAddr   string
	upstreamURL  string
	configPath   string
	watchConfig  bool
	logLevel     string
	logPretty    bool
	trustXFF     bool
	apiKeyHeader string

	adminRPS   float64
	adminBurst int

	signalsEnabled bool
	signalsChannel string
}

func readConfig() (config, error) {
	cfg := config{}
	cfg.listenAddr = getenvDefault("LISTEN_ADDR", ":8080")
	cfg.upstreamURL = os.Getenv("UPSTREAM_URL")
	cfg.configPath = os.Getenv("CONFIG_PATH")
	cfg.watchConfig = getenvBoolDefault("WATCH_CONFIG", true)
	cfg.logLevel = getenvDefault("LOG_LEVEL", "info")
	cfg.logPretty = getenvBoolDefault("LOG_PRETTY", false)
	cfg.trustXFF = getenvBoolDefault("TRUST_XFF", false)
	cfg.apiKeyHeader = getenvDefault("API_KEY_HEADER", "X-API-Key")
	cfg.adminRPS = getenvFloatDefault("ADMIN_RPS", 5)
	cfg.adminBurst = getenvIntDefault("ADMIN_BURST", 10)
	cfg.signalsEnabled = getenvBoolDefault("SIGNALS_ENABLED", false)
	cfg.signalsChannel = os.Getenv("SIGNALS_CHANNEL")

	if cfg.adminRPS <= 0 {
		return config{}, errors.New("ADMIN_RPS must be > 0")
	}
	if cfg.adminBurst <= 0 {
		return config{}, errors.New("ADMIN_BURST must be > 0")
	}
	return cfg, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvFloatDefault(k string, def float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvBoolDefault(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
