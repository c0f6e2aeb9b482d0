package unified

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"example.com/healthsync/internal/domain"
)

//go:embed precedence.yaml
var defaultPrecedence []byte

// Rank is the priority and confidence stamped on a row at ingestion.
type Rank struct {
	Priority   int     `yaml:"priority"`
	Confidence float64 `yaml:"confidence"`
}

// Precedence ranks sources per canonical metric.
type Precedence struct {
	Default   Rank                                `yaml:"default"`
	Providers map[domain.Provider]Rank            `yaml:"providers"`
	Metrics   map[string]map[domain.Provider]Rank `yaml:"metrics"`
}

// ParsePrecedence decodes a precedence table and checks that it references only known metrics.
func ParsePrecedence(raw []byte, catalog *Catalog) (*Precedence, error) {
	var p Precedence
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode precedence: %w", err)
	}
	if p.Default.Priority == 0 {
		p.Default.Priority = domain.DefaultPriority
	}
	for provider := range p.Providers {
		if _, err := domain.ParseProvider(string(provider)); err != nil {
			return nil, fmt.Errorf("precedence providers: %w", err)
		}
	}
	for metric, ranks := range p.Metrics {
		if _, ok := catalog.Lookup(metric); !ok {
			return nil, fmt.Errorf("precedence metrics: %w: %q", ErrUnknownMetric, metric)
		}
		for provider, rank := range ranks {
			if _, err := domain.ParseProvider(string(provider)); err != nil {
				return nil, fmt.Errorf("precedence metrics %q: %w", metric, err)
			}
			if rank.Confidence < 0 || rank.Confidence > 100 {
				return nil, fmt.Errorf("precedence metrics %q/%s: confidence %v outside 0-100", metric, provider, rank.Confidence)
			}
		}
	}
	return &p, nil
}

// DefaultPrecedence parses the embedded precedence table.
func DefaultPrecedence(catalog *Catalog) (*Precedence, error) {
	return ParsePrecedence(defaultPrecedence, catalog)
}

// Lookup returns the rank for a provider's observation of a canonical metric,
// falling back to the provider default and then the global default.
func (p *Precedence) Lookup(canonical string, provider domain.Provider) Rank {
	if ranks, ok := p.Metrics[canonical]; ok {
		if rank, ok := ranks[provider]; ok {
			return rank
		}
	}
	if rank, ok := p.Providers[provider]; ok {
		return rank
	}
	return p.Default
}
