package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/amerfu/aigateway/internal/models"
)

func newModelsFixture(t *testing.T) chi.Router {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Model{}, &models.Deployment{}))

	gpt := models.Model{ModelID: "gpt-x", Active: true}
	claude := models.Model{ModelID: "claude-x", Active: true}
	retired := models.Model{ModelID: "old-model", Active: false}
	require.NoError(t, db.Create(&gpt).Error)
	require.NoError(t, db.Create(&claude).Error)
	require.NoError(t, db.Create(&retired).Error)

	require.NoError(t, db.Create(&models.Deployment{
		ModelID: gpt.ID, ProviderName: "openai", DeploymentName: "gpt-x-prod", Active: true,
	}).Error)
	require.NoError(t, db.Create(&models.Deployment{
		ModelID: claude.ID, ProviderName: "anthropic", DeploymentName: "claude-x-prod", Active: true,
	}).Error)
	require.NoError(t, db.Create(&models.Deployment{
		ModelID: retired.ID, ProviderName: "openai", DeploymentName: "old-prod", Active: true,
	}).Error)

	handler := NewModelsHandler(db, zap.NewNop())
	r := chi.NewRouter()
	r.Get("/v1/models", handler.List)
	r.Get("/v1/models/{provider}", handler.List)
	return r
}

func listModels(t *testing.T, router chi.Router, path string) []string {
	t.Helper()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			Object  string `json:"object"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, "list", list.Object)

	ids := make([]string, 0, len(list.Data))
	for _, entry := range list.Data {
		assert.Equal(t, "model", entry.Object)
		ids = append(ids, entry.ID)
	}
	return ids
}

func TestModelsList(t *testing.T) {
	router := newModelsFixture(t)

	ids := listModels(t, router, "/v1/models")
	assert.ElementsMatch(t, []string{"gpt-x", "claude-x"}, ids)
}

func TestModelsListByProviderPath(t *testing.T) {
	router := newModelsFixture(t)

	assert.Equal(t, []string{"claude-x"}, listModels(t, router, "/v1/models/anthropic"))
	assert.Equal(t, []string{"gpt-x"}, listModels(t, router, "/v1/models/openai"))
	assert.Empty(t, listModels(t, router, "/v1/models/unknown"))
}

func TestModelsListByProviderQuery(t *testing.T) {
	router := newModelsFixture(t)

	assert.Equal(t, []string{"claude-x"}, listModels(t, router, "/v1/models?provider=anthropic"))
}
