// Package registry knows which generation providers exist and picks the one a
// project's model configuration asks for.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/tidwall/gjson"

	"github.com/filmgen/backend/internal/config"
)

var (
	ErrNoProvider      = errors.New("no provider configured")
	ErrUnknownProvider = errors.New("unknown provider")
)

var kinds = []string{"image", "video", "voiceover", "music", "composition"}

// Info describes a provider for listings.
type Info struct {
	Name    string  `json:"name"`
	Kind    string  `json:"kind"`
	Default bool    `json:"default"`
	Cost    float64 `json:"cost_per_item"`
}

type Registry struct {
	providers map[string]Provider
	costs     map[string]float64
	defaults  map[string]string
}

func New() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		costs:     make(map[string]float64),
		defaults:  make(map[string]string),
	}
}

// FromConfig builds HTTP providers for every configured entry.
func FromConfig(providers map[string]config.ProviderConfig, defaults map[string]string, client *http.Client) (*Registry, error) {
	r := New()
	for name, pc := range providers {
		if !slices.Contains(kinds, pc.Kind) {
			return nil, fmt.Errorf("provider %s: unknown kind %q", name, pc.Kind)
		}
		p, err := NewHTTPProvider(name, pc, client)
		if err != nil {
			return nil, err
		}
		r.Register(p, pc.CostPerItem)
	}
	for kind, name := range defaults {
		if err := r.SetDefault(kind, name); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(p Provider, costPerItem float64) {
	r.providers[p.Name()] = p
	r.costs[p.Name()] = costPerItem
}

func (r *Registry) SetDefault(kind, name string) error {
	p, ok := r.providers[name]
	if !ok {
		return fmt.Errorf("default %s provider %q: %w", kind, name, ErrUnknownProvider)
	}
	if p.Kind() != kind {
		return fmt.Errorf("default %s provider %q generates %s", kind, name, p.Kind())
	}
	r.defaults[kind] = name
	return nil
}

// Select returns the provider for kind. The project's modelConfig wins, e.g.
// {"video":{"provider":"kling"}}; otherwise the configured default is used.
func (r *Registry) Select(kind string, modelConfig json.RawMessage) (Provider, error) {
	name := ""
	if len(modelConfig) > 0 {
		name = gjson.GetBytes(modelConfig, kind+".provider").String()
	}
	if name == "" {
		name = r.defaults[kind]
	}
	if name == "" {
		return nil, fmt.Errorf("%w for %s", ErrNoProvider, kind)
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownProvider, name)
	}
	if p.Kind() != kind {
		return nil, fmt.Errorf("provider %q generates %s, not %s", name, p.Kind(), kind)
	}
	return p, nil
}

func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Cost is the provider's price per generated item in USD.
func (r *Registry) Cost(name string) float64 {
	return r.costs[name]
}

func (r *Registry) List() []Info {
	out := make([]Info, 0, len(r.providers))
	for name, p := range r.providers {
		out = append(out, Info{Name: name, Kind: p.Kind(), Default: r.defaults[p.Kind()] == name, Cost: r.costs[name]})
	}
	slices.SortFunc(out, func(a, b Info) int {
		if a.Kind != b.Kind {
			if a.Kind < b.Kind {
				return -1
			}
			return 1
		}
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return out
}

// ModelParams returns the extra provider parameters a project configured for
// kind, e.g. {"image":{"params":{"steps":30}}}.
func ModelParams(kind string, modelConfig json.RawMessage) map[string]any {
	if len(modelConfig) == 0 {
		return nil
	}
	v, ok := gjson.GetBytes(modelConfig, kind+".params").Value().(map[string]any)
	if !ok {
		return nil
	}
	return v
}
