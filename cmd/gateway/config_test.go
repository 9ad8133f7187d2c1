package main

import "testing"

func clearGatewayEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"LISTEN_ADDR", "UPSTREAM_URL", "CONFIG_PATH", "WATCH_CONFIG",
		"LOG_LEVEL", "LOG_PRETTY", "TRUST_XFF", "API_KEY_HEADER",
		"ADMIN_RPS", "ADMIN_BURST", "SIGNALS_ENABLED", "SIGNALS_CHANNEL",
	} {
		t.Setenv(k, "")
	}
}

func TestReadConfig_Defaults(t *testing.T) {
	clearGatewayEnv(t)

	cfg, err := readConfig()
	if err != nil {
		t.Fatalf("readConfig: %v", err)
	}
	if cfg.listenAddr != ":8080" {
		t.Errorf("listenAddr = %q", cfg.listenAddr)
	}
	if !cfg.watchConfig {
		t.Error("watchConfig must default to on")
	}
	if cfg.logLevel != "info" {
		t.Errorf("logLevel = %q", cfg.logLevel)
	}
	if cfg.apiKeyHeader != "X-API-Key" {
		t.Errorf("apiKeyHeader = %q", cfg.apiKeyHeader)
	}
	if cfg.adminRPS != 5 || cfg.adminBurst != 10 {
		t.Errorf("admin limits = %v/%d, want 5/10", cfg.adminRPS, cfg.adminBurst)
	}
	if cfg.signalsEnabled {
		t.Error("signals must default to off")
	}
}

func TestReadConfig_ReadsEnvironment(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("UPSTREAM_URL", "http://orders.internal:8000")
	t.Setenv("WATCH_CONFIG", "false")
	t.Setenv("TRUST_XFF", "true")
	t.Setenv("API_KEY_HEADER", "X-Client-Token")
	t.Setenv("ADMIN_RPS", "2.5")
	t.Setenv("ADMIN_BURST", "4")
	t.Setenv("SIGNALS_ENABLED", "true")
	t.Setenv("SIGNALS_CHANNEL", "gate:custom")

	cfg, err := readConfig()
	if err != nil {
		t.Fatalf("readConfig: %v", err)
	}
	if cfg.listenAddr != ":9090" {
		t.Errorf("listenAddr = %q", cfg.listenAddr)
	}
	if cfg.upstreamURL != "http://orders.internal:8000" {
		t.Errorf("upstreamURL = %q", cfg.upstreamURL)
	}
	if cfg.watchConfig {
		t.Error("watchConfig not read from env")
	}
	if !cfg.trustXFF {
		t.Error("trustXFF not read from env")
	}
	if cfg.apiKeyHeader != "X-Client-Token" {
		t.Errorf("apiKeyHeader = %q", cfg.apiKeyHeader)
	}
	if cfg.adminRPS != 2.5 || cfg.adminBurst != 4 {
		t.Errorf("admin limits = %v/%d, want 2.5/4", cfg.adminRPS, cfg.adminBurst)
	}
	if !cfg.signalsEnabled || cfg.signalsChannel != "gate:custom" {
		t.Errorf("signals = %v/%q", cfg.signalsEnabled, cfg.signalsChannel)
	}
}

func TestReadConfig_MalformedNumbersFallBack(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("ADMIN_RPS", "plenty")
	t.Setenv("ADMIN_BURST", "1e3")

	cfg, err := readConfig()
	if err != nil {
		t.Fatalf("readConfig: %v", err)
	}
	if cfg.adminRPS != 5 {
		t.Errorf("adminRPS = %v, want the default", cfg.adminRPS)
	}
	if cfg.adminBurst != 10 {
		t.Errorf("adminBurst = %d, want the default", cfg.adminBurst)
	}
}

func TestReadConfig_RejectsNonPositiveAdminLimits(t *testing.T) {
	t.Run("rps", func(t *testing.T) {
		clearGatewayEnv(t)
		t.Setenv("ADMIN_RPS", "0")
		if _, err := readConfig(); err == nil {
			t.Error("ADMIN_RPS=0 accepted")
		}
	})
	t.Run("burst", func(t *testing.T) {
		clearGatewayEnv(t)
		t.Setenv("ADMIN_BURST", "-1")
		if _, err := readConfig(); err == nil {
			t.Error("ADMIN_BURST=-1 accepted")
		}
	})
}
