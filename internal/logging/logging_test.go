package logging

import (
	"os"
	"testing"
)

func TestInitReturnsUsableLogger(t *testing.T) {
	logger := Init("test-service")
	if logger == nil {
		t.Fatalf("expected a non-nil logger")
	}
	// Should not panic regardless of handler type.
	logger.Info("hello from test")
}

func TestLevelFromEnvDefaultsToInfo(t *testing.T) {
	os.Unsetenv("CELESTIALFLOW_LOG_LEVEL")
	if lvl := levelFromEnv(); lvl.Level().String() != "INFO" {
		t.Fatalf("expected default level INFO, got %s", lvl.Level().String())
	}
}

func TestLevelFromEnvHonorsOverride(t *testing.T) {
	t.Setenv("CELESTIALFLOW_LOG_LEVEL", "debug")
	if lvl := levelFromEnv(); lvl.Level().String() != "DEBUG" {
		t.Fatalf("expected DEBUG, got %s", lvl.Level().String())
	}
}
