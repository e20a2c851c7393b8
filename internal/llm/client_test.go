package llm

import "testing"

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		t.Error("expected a positive MaxAttempts")
	}
	if cfg.BaseDelay <= 0 || cfg.MaxDelay <= cfg.BaseDelay {
		t.Error("expected MaxDelay to exceed BaseDelay")
	}
}
