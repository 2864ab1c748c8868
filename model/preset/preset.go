// Package preset resolves named endpoint presets to provider adapters.
package preset

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/hupe1980/biomesh/model"
	anthropicmodel "github.com/hupe1980/biomesh/model/anthropic"
	openaimodel "github.com/hupe1980/biomesh/model/openai"
)

// Provider implements model.EndpointProvider over a fixed set of endpoints.
// Models are built lazily and cached per preset.
type Provider struct {
	endpoints map[string]model.Endpoint

	mu    sync.Mutex
	cache map[string]model.Model
}

// New creates a Provider. Endpoint names are taken from the map keys.
func New(endpoints map[string]model.Endpoint) *Provider {
	eps := make(map[string]model.Endpoint, len(endpoints))
	for name, ep := range endpoints {
		ep.Name = name
		eps[name] = ep
	}
	return &Provider{endpoints: eps, cache: map[string]model.Model{}}
}

// Model implements model.EndpointProvider.
func (p *Provider) Model(name string) (model.Model, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if m, ok := p.cache[name]; ok {
		return m, nil
	}
	ep, ok := p.endpoints[name]
	if !ok {
		return nil, fmt.Errorf("unknown model preset %q", name)
	}
	m, err := Build(ep)
	if err != nil {
		return nil, fmt.Errorf("preset %q: %w", name, err)
	}
	p.cache[name] = m
	return m, nil
}

// Build constructs the adapter for one endpoint.
func Build(ep model.Endpoint) (model.Model, error) {
	kind := strings.ToLower(strings.TrimSpace(ep.Provider))
	apiKey := strings.TrimSpace(ep.APIKey)
	baseURL := strings.TrimSpace(ep.BaseURL)
	if strings.TrimSpace(ep.Model) == "" {
		return nil, errors.New("missing model id")
	}

	switch kind {
	case "openai", "openai_compatible":
		if apiKey == "" && kind == "openai" {
			return nil, errors.New("missing provider api key")
		}
		if baseURL == "" && kind == "openai_compatible" {
			return nil, errors.New("openai_compatible requires base_url")
		}
		return openaimodel.NewModel(func(o *openaimodel.Options) {
			o.Model = ep.Model
			o.APIKey = apiKey
			o.BaseURL = baseURL
			if ep.MaxTokens > 0 {
				o.MaxCompletionTokens = ep.MaxTokens
			}
		}), nil
	case "anthropic":
		if apiKey == "" {
			return nil, errors.New("missing provider api key")
		}
		return anthropicmodel.NewModel(func(o *anthropicmodel.Options) {
			o.Model = anthropic.Model(ep.Model)
			o.APIKey = apiKey
			o.BaseURL = baseURL
			if ep.MaxTokens > 0 {
				o.MaxTokens = ep.MaxTokens
			}
		}), nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", ep.Provider)
	}
}
