package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ModelsHandler lists the catalog in the OpenAI list shape.
type ModelsHandler struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewModelsHandler(db *gorm.DB, logger *zap.Logger) *ModelsHandler {
	return &ModelsHandler{db: db, logger: logger}
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// List serves GET /v1/models and GET /v1/models/{provider}. A provider,
// from the path or the query string, narrows the catalog to that
// provider's deployments.
func (h *ModelsHandler) List(w http.ResponseWriter, r *http.Request) {
	query := h.db.WithContext(r.Context()).
		Table("models").
		Select("models.model_id, deployments.provider_name").
		Joins("JOIN deployments ON deployments.model_id = models.id AND deployments.active").
		Where("models.active")
	provider := chi.URLParam(r, "provider")
	if provider == "" {
		provider = r.URL.Query().Get("provider")
	}
	if provider != "" {
		query = query.Where("deployments.provider_name = ?", provider)
	}

	var rows []struct {
		ModelID      string
		ProviderName string
	}
	if err := query.Scan(&rows).Error; err != nil {
		h.logger.Error("Failed to list models", zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "Service temporarily unavailable")
		return
	}

	list := modelList{Object: "list", Data: make([]modelEntry, 0, len(rows))}
	for _, row := range rows {
		list.Data = append(list.Data, modelEntry{
			ID:      row.ModelID,
			Object:  "model",
			OwnedBy: row.ProviderName,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
}
