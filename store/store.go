// Package store provides a cached, read-mostly view over the gateway's
// configuration tables (providers, logical models, bindings). It is the
// only component that talks to the database for routing decisions;
// everything downstream (balancer, dispatcher) consults the store
// instead of issuing its own queries.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentflow/gateway/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// providerTTL bounds how long a cached provider/binding list can be
	// served before the store re-queries the database.
	providerTTL = 30 * time.Second
	// healthTTL is longer than providerTTL. No code in this package reads
	// it; ListLogicalModels queries the database on every call.
	healthTTL = 5 * time.Minute
)

// Binding is a resolved (provider, provider-model) pair for a logical
// model, joined with the provider's routing attributes.
type Binding struct {
	ProviderID    uint
	ProviderName  string
	ProviderType  string
	BaseURL       string
	APIKey        string
	ProviderModel string
	Weight        int
	Priority      int
	IsFallback    bool
	FallbackOrder int
}

type cachedEntry struct {
	bindings []Binding
	expires  time.Time
}

// Store is a cached read view over the routing configuration tables.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger

	mu    sync.RWMutex
	byModel map[string]cachedEntry
}

// New constructs a Store backed by db.
func New(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger, byModel: make(map[string]cachedEntry)}
}

// BindingsFor returns every (provider, provider-model) binding for a
// logical model name, including fallback bindings, ordered however the
// database returned them — callers (the balancer) impose their own
// ordering. Served from cache within the TTL window; invalidated
// wholesale on a write-side signal (see Invalidate).
func (s *Store) BindingsFor(ctx context.Context, logicalModel string) ([]Binding, error) {
	s.mu.RLock()
	entry, ok := s.byModel[logicalModel]
	s.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.bindings, nil
	}

	var rows []models.ModelBinding
	err := s.db.WithContext(ctx).
		Joins("JOIN gw_logical_models ON gw_logical_models.id = gw_model_bindings.logical_model_id").
		Joins("JOIN gw_providers ON gw_providers.id = gw_model_bindings.provider_id").
		Where("gw_logical_models.name = ? AND gw_providers.enabled = ?", logicalModel, true).
		Preload("Provider").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: query bindings for %q: %w", logicalModel, err)
	}

	bindings := make([]Binding, 0, len(rows))
	for _, r := range rows {
		bindings = append(bindings, Binding{
			ProviderID:    r.Provider.ID,
			ProviderName:  r.Provider.Name,
			ProviderType:  r.Provider.Type,
			BaseURL:       r.Provider.BaseURL,
			APIKey:        r.Provider.APIKey,
			ProviderModel: r.ProviderModel,
			Weight:        r.Provider.Weight,
			Priority:      r.Provider.Priority,
			IsFallback:    r.IsFallback,
			FallbackOrder: r.FallbackOrder,
		})
	}

	s.mu.Lock()
	s.byModel[logicalModel] = cachedEntry{bindings: bindings, expires: time.Now().Add(providerTTL)}
	s.mu.Unlock()
	return bindings, nil
}

// ListLogicalModels returns every distinct logical model name that has
// at least one enabled provider binding, for GET /v1/models.
func (s *Store) ListLogicalModels(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).
		Model(&models.LogicalModel{}).
		Distinct().
		Joins("JOIN gw_model_bindings ON gw_model_bindings.logical_model_id = gw_logical_models.id").
		Joins("JOIN gw_providers ON gw_providers.id = gw_model_bindings.provider_id AND gw_providers.enabled = true").
		Order("gw_logical_models.name").
		Pluck("gw_logical_models.name", &names).Error
	if err != nil {
		return nil, fmt.Errorf("store: list logical models: %w", err)
	}
	return names, nil
}

// Invalidate drops the cached binding list for one logical model, or
// every cached list when logicalModel is "*" — used after an admin
// write to the routing tables so the next lookup re-reads the database.
func (s *Store) Invalidate(logicalModel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logicalModel == "*" {
		s.byModel = make(map[string]cachedEntry)
		return
	}
	delete(s.byModel, logicalModel)
}
