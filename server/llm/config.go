package llm

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type ProviderKind int

const (
	ProviderOpenAI ProviderKind = iota
	ProviderOpenRouter
)

func (k ProviderKind) String() string {
	if k == ProviderOpenRouter {
		return "openrouter"
	}
	return "openai"
}

// Config says where and how to authenticate chat completion requests.
type Config struct {
	Kind         ProviderKind
	APIKey       string
	BaseURL      string
	HeaderName   string
	HeaderPrefix string
	Organization string
	ExtraHeaders map[string]string
}

const defaultOpenRouterTitle = "Bullshit Bench"

// ConfigFromEnv resolves the provider from the usual OPENAI_* / OPENROUTER_* variables.
func ConfigFromEnv() (Config, error) {
	return resolveAPIConfig("")
}

// resolveAPIConfig picks the provider for model. An "openrouter/" model prefix or an
// openrouter base URL wins unless LLM_PROVIDER overrides it.
func resolveAPIConfig(model string) (Config, error) {
	cfg := Config{ExtraHeaders: map[string]string{}}

	if preferOpenRouterEnv() {
		cfg.Kind = ProviderOpenRouter
	} else {
		cfg.Kind = ProviderOpenAI
	}

	manualOverride := false
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LLM_PROVIDER"))) {
	case "openrouter":
		cfg.Kind = ProviderOpenRouter
		manualOverride = true
	case "openai":
		cfg.Kind = ProviderOpenAI
		manualOverride = true
	}
	if !manualOverride {
		if provider, ok := detectProviderFromModel(model); ok {
			cfg.Kind = provider
		}
	}

	base := firstNonEmpty(
		os.Getenv("OPENAI_API_BASE"),
		os.Getenv("OPENAI_BASE_URL"),
		os.Getenv("OPENROUTER_API_BASE"),
		os.Getenv("OPENROUTER_BASE_URL"),
	)
	if base == "" {
		if cfg.Kind == ProviderOpenRouter {
			base = "https://openrouter.ai/api/v1"
		} else {
			base = "https://api.openai.com/v1"
		}
	}
	cfg.BaseURL = strings.TrimRight(base, "/")
	if !manualOverride && strings.Contains(strings.ToLower(cfg.BaseURL), "openrouter") {
		cfg.Kind = ProviderOpenRouter
	}

	openAIKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	openRouterKey := strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY"))
	switch cfg.Kind {
	case ProviderOpenRouter:
		cfg.APIKey = firstNonEmpty(openRouterKey, openAIKey)
	default:
		cfg.APIKey = firstNonEmpty(openAIKey, openRouterKey)
	}
	if cfg.APIKey == "" {
		return Config{}, errors.New("API key missing: set OPENAI_API_KEY or OPENROUTER_API_KEY")
	}

	headerName := firstNonEmpty(os.Getenv("OPENAI_API_KEY_HEADER"), os.Getenv("OPENROUTER_API_KEY_HEADER"))
	if headerName == "" {
		headerName = "Authorization"
	}
	prefix := os.Getenv("OPENAI_API_KEY_PREFIX")
	if prefix == "" {
		prefix = os.Getenv("OPENROUTER_API_KEY_PREFIX")
	}
	if headerName == "Authorization" && strings.TrimSpace(prefix) == "" {
		prefix = "Bearer "
	}
	cfg.HeaderName = headerName
	cfg.HeaderPrefix = prefix
	cfg.Organization = strings.TrimSpace(os.Getenv("OPENAI_ORG"))

	if cfg.Kind == ProviderOpenRouter {
		if v := strings.TrimSpace(os.Getenv("OPENROUTER_SITE_URL")); v != "" {
			cfg.ExtraHeaders["HTTP-Referer"] = v
			cfg.ExtraHeaders["Referer"] = v
		}
		cfg.ExtraHeaders["X-Title"] = firstNonEmpty(os.Getenv("OPENROUTER_TITLE"), defaultOpenRouterTitle)
	}

	return cfg, nil
}

// PolicyFromEnv starts from DefaultPolicy and applies LLM_* overrides.
func PolicyFromEnv() Policy {
	p := DefaultPolicy()
	if n, ok := envInt("LLM_MIN_INTERVAL_MS"); ok && n >= 0 {
		p.MinInterval = time.Duration(n) * time.Millisecond
	}
	if n, ok := envInt("LLM_MAX_ATTEMPTS"); ok && n > 0 {
		p.MaxAttempts = n
	}
	if n, ok := envInt("LLM_TIMEOUT_SECONDS"); ok && n > 0 {
		p.RequestTimeout = time.Duration(n) * time.Second
	}
	if n, ok := envInt("LLM_UNSTABLE_THRESHOLD"); ok && n >= 0 {
		p.UnstableThreshold = n
	}
	if n, ok := envInt("LLM_SEED"); ok {
		p.Seed = n
	}
	return p
}

func envInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func detectProviderFromModel(model string) (ProviderKind, bool) {
	normalized := strings.ToLower(strings.TrimSpace(model))
	if normalized == "" {
		return ProviderOpenAI, false
	}
	if strings.HasPrefix(normalized, "openrouter/") {
		return ProviderOpenRouter, true
	}
	return ProviderOpenAI, false
}

func preferOpenRouterEnv() bool {
	if strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY")) != "" && strings.TrimSpace(os.Getenv("OPENAI_API_KEY")) == "" {
		return true
	}
	if strings.TrimSpace(os.Getenv("OPENROUTER_API_BASE")) != "" || strings.TrimSpace(os.Getenv("OPENROUTER_BASE_URL")) != "" {
		return true
	}
	for _, key := range []string{"OPENAI_API_BASE", "OPENAI_BASE_URL"} {
		if base := strings.TrimSpace(os.Getenv(key)); base != "" && strings.Contains(strings.ToLower(base), "openrouter") {
			return true
		}
	}
	return false
}
