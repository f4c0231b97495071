package provider

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrProviderNotFound 供应商未注册
var ErrProviderNotFound = errors.New("llm provider not registered")

// Registry LLM 供应商注册表。名称不区分大小写，同名注册覆盖。
type Registry struct {
	mu        sync.RWMutex
	providers map[string]LLMProvider
}

var globalProviderRegistry = &Registry{
	providers: make(map[string]LLMProvider),
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// RegisterProvider 注册 LLM 供应商
func RegisterProvider(provider LLMProvider) {
	globalProviderRegistry.mu.Lock()
	defer globalProviderRegistry.mu.Unlock()
	globalProviderRegistry.providers[providerKey(provider.Name())] = provider
}

// GetProvider 获取 LLM 供应商，未注册时返回 ErrProviderNotFound
func GetProvider(name string) (LLMProvider, error) {
	globalProviderRegistry.mu.RLock()
	p, ok := globalProviderRegistry.providers[providerKey(name)]
	globalProviderRegistry.mu.RUnlock()
	if !ok {
		registered := ListProviders()
		if len(registered) == 0 {
			return nil, fmt.Errorf("%w: %q (none registered)", ErrProviderNotFound, name)
		}
		return nil, fmt.Errorf("%w: %q (registered: %s)", ErrProviderNotFound, name, strings.Join(registered, ", "))
	}
	return p, nil
}

// ListProviders 列出所有已注册的供应商名称，按字典序排列
func ListProviders() []string {
	globalProviderRegistry.mu.RLock()
	defer globalProviderRegistry.mu.RUnlock()
	names := make([]string, 0, len(globalProviderRegistry.providers))
	for name := range globalProviderRegistry.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
