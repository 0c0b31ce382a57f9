package store

import (
	"context"
	"testing"

	"github.com/agentflow/gateway/models"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func seedBinding(t *testing.T, db *gorm.DB, providerName, logicalModel string, enabled bool) {
	t.Helper()
	p := models.Provider{Name: providerName, Type: "openaicompat", Enabled: enabled, Weight: 10, Priority: 1}
	require.NoError(t, db.Create(&p).Error)
	var lm models.LogicalModel
	err := db.Where("name = ?", logicalModel).First(&lm).Error
	if err != nil {
		lm = models.LogicalModel{Name: logicalModel}
		require.NoError(t, db.Create(&lm).Error)
	}
	require.NoError(t, db.Create(&models.ModelBinding{
		LogicalModelID: lm.ID,
		ProviderID:     p.ID,
		ProviderModel:  providerName + "-native",
	}).Error)
}

func TestBindingsFor_ReturnsEnabledProviderBindings(t *testing.T) {
	db := setupDB(t)
	seedBinding(t, db, "prov-a", "gpt-4", true)
	seedBinding(t, db, "prov-b", "gpt-4", true)

	s := New(db, zap.NewNop())
	bindings, err := s.BindingsFor(context.Background(), "gpt-4")
	require.NoError(t, err)
	assert.Len(t, bindings, 2)
}

func TestBindingsFor_ExcludesDisabledProvider(t *testing.T) {
	db := setupDB(t)
	seedBinding(t, db, "prov-a", "gpt-4", true)
	seedBinding(t, db, "prov-b", "gpt-4", false)

	s := New(db, zap.NewNop())
	bindings, err := s.BindingsFor(context.Background(), "gpt-4")
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, "prov-a", bindings[0].ProviderName)
}

func TestBindingsFor_UnknownModelReturnsEmpty(t *testing.T) {
	db := setupDB(t)
	s := New(db, zap.NewNop())
	bindings, err := s.BindingsFor(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Empty(t, bindings)
}

func TestBindingsFor_ServesFromCacheWithinTTL(t *testing.T) {
	db := setupDB(t)
	seedBinding(t, db, "prov-a", "gpt-4", true)

	s := New(db, zap.NewNop())
	first, err := s.BindingsFor(context.Background(), "gpt-4")
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Add a second provider directly in the DB; a cached read should not
	// see it until invalidated.
	seedBinding(t, db, "prov-b", "gpt-4", true)
	second, err := s.BindingsFor(context.Background(), "gpt-4")
	require.NoError(t, err)
	assert.Len(t, second, 1, "cached read should not reflect the new row yet")

	s.Invalidate("gpt-4")
	third, err := s.BindingsFor(context.Background(), "gpt-4")
	require.NoError(t, err)
	assert.Len(t, third, 2)
}

func TestInvalidate_Wildcard_ClearsEveryModel(t *testing.T) {
	db := setupDB(t)
	seedBinding(t, db, "prov-a", "model-a", true)
	seedBinding(t, db, "prov-b", "model-b", true)

	s := New(db, zap.NewNop())
	_, err := s.BindingsFor(context.Background(), "model-a")
	require.NoError(t, err)
	_, err = s.BindingsFor(context.Background(), "model-b")
	require.NoError(t, err)

	s.mu.RLock()
	cached := len(s.byModel)
	s.mu.RUnlock()
	require.Equal(t, 2, cached)

	s.Invalidate("*")
	s.mu.RLock()
	cached = len(s.byModel)
	s.mu.RUnlock()
	assert.Zero(t, cached)
}

func TestListLogicalModels_DeduplicatesAndSortsByName(t *testing.T) {
	db := setupDB(t)
	seedBinding(t, db, "prov-a", "zeta", true)
	seedBinding(t, db, "prov-b", "alpha", true)
	seedBinding(t, db, "prov-c", "alpha", true) // second provider for "alpha"

	s := New(db, zap.NewNop())
	names, err := s.ListLogicalModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, names)
}

func TestListLogicalModels_ExcludesModelsWithOnlyDisabledProviders(t *testing.T) {
	db := setupDB(t)
	seedBinding(t, db, "prov-a", "orphaned", false)

	s := New(db, zap.NewNop())
	names, err := s.ListLogicalModels(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, names, "orphaned")
}
