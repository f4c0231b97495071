package bootstrap

import (
	"treeweave/internal/adapter/provider/llm/openai"
	"treeweave/internal/provider"

	applog "treeweave/internal/platform/log"
)

// RegisterLLMProviders 注册内置 LLM 供应商
func RegisterLLMProviders(apiKey, baseURL string) {
	provider.RegisterProvider(openai.New(openai.Config{
		APIKey:  apiKey,
		BaseURL: baseURL,
	}))

	applog.Info("✅ LLM providers registered", "providers", provider.ListProviders())
}
