package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/rememberme/pkg/audio"
	"github.com/MrWong99/rememberme/pkg/provider/embeddings"
	"github.com/MrWong99/rememberme/pkg/provider/llm"
	"github.com/MrWong99/rememberme/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned by the Create methods when nothing is
// registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// SourceFactory builds a frame source from the full configuration, since
// sources need credentials from their own sections.
type SourceFactory func(cfg *Config) (audio.Platform, error)

// factories is one kind's name → constructor table.
type factories[K ~string, A, T any] struct {
	kind string
	m    map[K]func(A) (T, error)
}

func newFactories[K ~string, A, T any](kind string) factories[K, A, T] {
	return factories[K, A, T]{kind: kind, m: make(map[K]func(A) (T, error))}
}

// create looks name up under mu and calls the factory outside of it, so
// factories may use the registry themselves.
func (f factories[K, A, T]) create(mu *sync.RWMutex, name K, arg A) (T, error) {
	mu.RLock()
	fn, ok := f.m[name]
	mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, name)
	}
	return fn(arg)
}

func (f factories[K, A, T]) names() []string {
	out := make([]string, 0, len(f.m))
	for k := range f.m {
		out = append(out, string(k))
	}
	slices.Sort(out)
	return out
}

// Registry maps names to constructors for every pluggable component: the
// STT, LLM and embeddings providers and the frame source. Registering a name
// twice replaces the earlier factory. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	stt        factories[string, ProviderEntry, stt.Provider]
	llm        factories[string, ProviderEntry, llm.Provider]
	embeddings factories[string, ProviderEntry, embeddings.Provider]
	sources    factories[SourceType, *Config, audio.Platform]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		stt:        newFactories[string, ProviderEntry, stt.Provider]("stt"),
		llm:        newFactories[string, ProviderEntry, llm.Provider]("llm"),
		embeddings: newFactories[string, ProviderEntry, embeddings.Provider]("embeddings"),
		sources:    newFactories[SourceType, *Config, audio.Platform]("source"),
	}
}

func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt.m[name] = factory
}

func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm.m[name] = factory
}

func (r *Registry) RegisterEmbeddings(name string, factory func(ProviderEntry) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings.m[name] = factory
}

func (r *Registry) RegisterSource(t SourceType, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources.m[t] = factory
}

// CreateSTT builds the STT provider registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return r.stt.create(&r.mu, entry.Name, entry)
}

// CreateLLM builds the LLM provider registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return r.llm.create(&r.mu, entry.Name, entry)
}

// CreateEmbeddings builds the embeddings provider registered under entry.Name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	return r.embeddings.create(&r.mu, entry.Name, entry)
}

// CreateSource builds the frame source selected by cfg.Source.Type.
func (r *Registry) CreateSource(cfg *Config) (audio.Platform, error) {
	return r.sources.create(&r.mu, cfg.Source.Type, cfg)
}

// Names returns the sorted registered names for kind ("stt", "llm",
// "embeddings" or "source"). Unknown kinds return nil.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case r.stt.kind:
		return r.stt.names()
	case r.llm.kind:
		return r.llm.names()
	case r.embeddings.kind:
		return r.embeddings.names()
	case r.sources.kind:
		return r.sources.names()
	}
	return nil
}
