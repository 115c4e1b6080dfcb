package llm

import (
	"testing"
	"time"
)

func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"OPENAI_API_KEY", "OPENROUTER_API_KEY", "OPENAI_API_BASE", "OPENAI_BASE_URL",
		"OPENROUTER_API_BASE", "OPENROUTER_BASE_URL", "LLM_PROVIDER", "OPENROUTER_SITE_URL",
		"OPENROUTER_TITLE", "OPENAI_API_KEY_HEADER", "OPENROUTER_API_KEY_HEADER",
		"OPENAI_API_KEY_PREFIX", "OPENROUTER_API_KEY_PREFIX", "OPENAI_ORG",
	} {
		t.Setenv(k, "")
	}
}

func TestResolveAPIConfigOpenRouterDefaults(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("OPENAI_API_BASE", "https://openrouter.ai/api/v1")
	t.Setenv("OPENAI_API_KEY", "test-key")
	cfg, err := resolveAPIConfig("meta-llama/llama-3.1-70b-instruct")
	if err != nil {
		t.Fatalf("resolveAPIConfig returned error: %v", err)
	}
	if cfg.Kind != ProviderOpenRouter {
		t.Fatalf("expected ProviderOpenRouter, got %v", cfg.Kind)
	}
	if _, ok := cfg.ExtraHeaders["HTTP-Referer"]; ok {
		t.Fatalf("HTTP-Referer should only be sent when OPENROUTER_SITE_URL is set")
	}
	if got := cfg.ExtraHeaders["X-Title"]; got != defaultOpenRouterTitle {
		t.Fatalf("unexpected X-Title: %q", got)
	}
	if cfg.HeaderName != "Authorization" || cfg.HeaderPrefix != "Bearer " {
		t.Fatalf("unexpected auth header %q %q", cfg.HeaderName, cfg.HeaderPrefix)
	}
}

func TestResolveAPIConfigOpenRouterOverrides(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("OPENAI_API_BASE", "https://openrouter.ai/api/v1")
	t.Setenv("OPENAI_API_KEY", "test-key")
	t.Setenv("OPENROUTER_SITE_URL", "https://example.com/app")
	t.Setenv("OPENROUTER_TITLE", "Custom Title")
	cfg, err := resolveAPIConfig("meta-llama/llama-3.1-70b-instruct")
	if err != nil {
		t.Fatalf("resolveAPIConfig returned error: %v", err)
	}
	if got := cfg.ExtraHeaders["HTTP-Referer"]; got != "https://example.com/app" {
		t.Fatalf("unexpected HTTP-Referer: %q", got)
	}
	if got := cfg.ExtraHeaders["Referer"]; got != "https://example.com/app" {
		t.Fatalf("unexpected Referer: %q", got)
	}
	if got := cfg.ExtraHeaders["X-Title"]; got != "Custom Title" {
		t.Fatalf("unexpected X-Title: %q", got)
	}
}

func TestResolveAPIConfigManualOverride(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("OPENROUTER_API_KEY", "or-key")
	t.Setenv("OPENAI_API_KEY", "oa-key")
	t.Setenv("LLM_PROVIDER", "openai")
	cfg, err := resolveAPIConfig("openrouter/auto")
	if err != nil {
		t.Fatalf("resolveAPIConfig returned error: %v", err)
	}
	if cfg.Kind != ProviderOpenAI {
		t.Fatalf("expected manual override to openai, got %v", cfg.Kind)
	}
	if cfg.APIKey != "oa-key" {
		t.Fatalf("expected openai key, got %q", cfg.APIKey)
	}
	if cfg.BaseURL != "https://api.openai.com/v1" {
		t.Fatalf("unexpected base %q", cfg.BaseURL)
	}
}

func TestResolveAPIConfigMissingKey(t *testing.T) {
	clearProviderEnv(t)
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected error without any API key")
	}
}

func TestPolicyFromEnv(t *testing.T) {
	t.Setenv("LLM_MIN_INTERVAL_MS", "250")
	t.Setenv("LLM_MAX_ATTEMPTS", "7")
	t.Setenv("LLM_TIMEOUT_SECONDS", "bogus")
	p := PolicyFromEnv()
	if p.MinInterval != 250*time.Millisecond {
		t.Fatalf("unexpected min interval %v", p.MinInterval)
	}
	if p.MaxAttempts != 7 {
		t.Fatalf("unexpected attempts %d", p.MaxAttempts)
	}
	if p.RequestTimeout != DefaultPolicy().RequestTimeout {
		t.Fatalf("bad env value should keep default timeout, got %v", p.RequestTimeout)
	}
}
