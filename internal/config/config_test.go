package config

import (
	"os"
	"testing"
)

func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if had {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.Backend != BackendSQLite {
		t.Errorf("Backend = %q, want sqlite", cfg.Backend)
	}
	if cfg.BaseURL != "http://localhost:8080/fhir/r4" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.UseServerGeneratedID {
		t.Error("UseServerGeneratedID defaults to true")
	}
}

func TestLoadFromEnv(t *testing.T) {
	setEnv(t, "BACKEND", BackendPostgreSQL)
	setEnv(t, "DATABASE_URL", "postgres://localhost:5432/fhir")
	setEnv(t, "CLEAR_DATA_ON_STARTUP", "true")
	setEnv(t, "BASE_URL", "https://fhir.example.org/fhir/r4/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend != BackendPostgreSQL {
		t.Errorf("Backend = %q", cfg.Backend)
	}
	if !cfg.ClearDataOnStartup {
		t.Error("ClearDataOnStartup not picked up")
	}
	if cfg.BaseURL != "https://fhir.example.org/fhir/r4" {
		t.Errorf("BaseURL = %q, want trailing slash trimmed", cfg.BaseURL)
	}
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg := &Config{Backend: "oracle", DatabaseURL: "x"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown backend")
	}
	cfg = &Config{Backend: BackendSQLite}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty DATABASE_URL")
	}
}
