package config

import (
	"testing"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvFloatValid(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.55")
	v, err := envFloat("TEST_FLOAT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 0.55 {
		t.Fatalf("expected 0.55, got %v", v)
	}
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "abc")
	_, err := envFloat("TEST_FLOAT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-float value, got nil")
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBonusMapDefault(t *testing.T) {
	m, err := envBonusMap("TEST_BONUS_MAP_MISSING", defaultBonusMap())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m["decision"] != 1.20 {
		t.Fatalf("expected default decision bonus 1.20, got %v", m["decision"])
	}
}

func TestEnvBonusMapOverride(t *testing.T) {
	t.Setenv("TEST_BONUS_MAP", `{"decision": 2.0, "risk": 1.5}`)
	m, err := envBonusMap("TEST_BONUS_MAP", defaultBonusMap())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m["decision"] != 2.0 || m["risk"] != 1.5 {
		t.Fatalf("expected override map, got %v", m)
	}
	if _, ok := m["outcome"]; ok {
		t.Fatal("expected override to replace the map wholesale, not merge with defaults")
	}
}

func TestEnvBonusMapInvalidJSON(t *testing.T) {
	t.Setenv("TEST_BONUS_MAP_BAD", "not json")
	_, err := envBonusMap("TEST_BONUS_MAP_BAD", defaultBonusMap())
	if err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("MEMORY_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid MEMORY_PORT")
	}
	if got := err.Error(); !contains(got, "MEMORY_PORT") || !contains(got, "abc") {
		t.Fatalf("error should mention MEMORY_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("MEMORY_PORT", "abc")
	t.Setenv("MEMORY_EMBEDDING_DIMENSIONS", "xyz")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !contains(got, "MEMORY_PORT") {
		t.Fatalf("error should mention MEMORY_PORT, got: %s", got)
	}
	if !contains(got, "MEMORY_EMBEDDING_DIMENSIONS") {
		t.Fatalf("error should mention MEMORY_EMBEDDING_DIMENSIONS, got: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.SeedK != 40 {
		t.Fatalf("expected default seed_k 40, got %d", cfg.SeedK)
	}
	if cfg.FinalK != 12 {
		t.Fatalf("expected default final_k 12, got %d", cfg.FinalK)
	}
	if cfg.MMRLambda != 0.7 {
		t.Fatalf("expected default mmr_lambda 0.7, got %v", cfg.MMRLambda)
	}
	if !cfg.UseMMR {
		t.Fatal("expected MMR enabled by default")
	}
	if cfg.GraphBonusMap["decision"] != 1.20 {
		t.Fatalf("expected default decision bonus 1.20, got %v", cfg.GraphBonusMap["decision"])
	}
}

func TestLoad_JWTKeyPathValidation(t *testing.T) {
	bogusPath := "/tmp/memory-engine-test-nonexistent-key-file.pem"
	t.Setenv("MEMORY_JWT_PRIVATE_KEY", bogusPath)
	t.Setenv("MEMORY_JWT_PUBLIC_KEY", bogusPath)

	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail when MEMORY_JWT_PRIVATE_KEY points to a nonexistent file")
	}
	got := err.Error()
	if !contains(got, bogusPath) {
		t.Fatalf("error should mention the bogus path, got: %s", got)
	}
}

func TestLoadFailsOnInvalidMMRLambda(t *testing.T) {
	t.Setenv("MEMORY_MMR_LAMBDA", "1.5")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail when MEMORY_MMR_LAMBDA is outside [0,1]")
	}
}

func TestLoadAppliesRetrievalOverrides(t *testing.T) {
	t.Setenv("MEMORY_SEED_K", "10")
	t.Setenv("MEMORY_HOP_DEPTH", "3")
	t.Setenv("MEMORY_RECENCY_HALFLIFE_DAYS", "90")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SeedK != 10 {
		t.Fatalf("expected seed_k 10, got %d", cfg.SeedK)
	}
	if cfg.HopDepth != 3 {
		t.Fatalf("expected hop_depth 3, got %d", cfg.HopDepth)
	}
	if cfg.RecencyHalflifeDays != 90 {
		t.Fatalf("expected recency_halflife_days 90, got %v", cfg.RecencyHalflifeDays)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && searchSubstring(s, substr)
}

func searchSubstring(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
