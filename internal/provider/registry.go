package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Registry LLM 供应商注册表
type Registry struct {
	mu        sync.RWMutex
	providers map[string]LLMProvider
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]LLMProvider)}
}

// Register 注册（同名覆盖）
func (r *Registry) Register(p LLMProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get 获取 LLM 供应商
func (r *Registry) Get(name string) (LLMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("LLM provider not found: %s", name)
	}
	return p, nil
}

// Names 列出已注册的供应商（排序后）
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var globalProviderRegistry = NewRegistry()

// RegisterProvider 注册到全局注册表
func RegisterProvider(p LLMProvider) { globalProviderRegistry.Register(p) }

// GetProvider 从全局注册表获取
func GetProvider(name string) (LLMProvider, error) { return globalProviderRegistry.Get(name) }

// ListProviders 列出全局注册表中的供应商
func ListProviders() []string { return globalProviderRegistry.Names() }
