package config

import "testing"

func TestLoad_MaxRetriesBounds(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/pipeline_test")

	t.Setenv("MAX_RETRIES", "10")
	if _, err := Load(); err == nil {
		t.Error("MAX_RETRIES=10 accepted, want error (schema caps retry_count at 3)")
	}

	t.Setenv("MAX_RETRIES", "0")
	if _, err := Load(); err == nil {
		t.Error("MAX_RETRIES=0 accepted, want error")
	}

	t.Setenv("MAX_RETRIES", "2")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want 2", cfg.MaxRetries)
	}
}
