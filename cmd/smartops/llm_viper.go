package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/quailyquaily/smartops/llm"
	"github.com/quailyquaily/smartops/providers/openai"
	"github.com/quailyquaily/smartops/secrets"
	"github.com/spf13/viper"
)

func llmProviderFromViper() string {
	return normalizeProvider(viper.GetString("llm.provider"))
}

func llmModelFromViper() string {
	return strings.TrimSpace(viper.GetString("llm.model"))
}

func llmClientFromViper(ctx context.Context, r secrets.Resolver) (llm.Client, error) {
	provider := llmProviderFromViper()
	switch provider {
	case "openai":
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", provider)
	}
	endpoint := strings.TrimSpace(viper.GetString("llm.endpoint"))
	if endpoint == "" {
		return nil, fmt.Errorf("missing llm.endpoint")
	}
	key, err := secrets.ResolveOptional(ctx, r, viper.GetString("llm.api_key"), viper.GetString("llm.api_key_ref"))
	if err != nil {
		return nil, fmt.Errorf("llm api key: %w", err)
	}
	c := openai.New(endpoint, key)
	if d := viper.GetDuration("llm.request_timeout"); d > 0 {
		c.HTTP.Timeout = d
	}
	return c, nil
}

func normalizeProvider(provider string) string {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return "openai"
	}
	return provider
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
