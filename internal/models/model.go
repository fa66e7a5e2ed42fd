package models

import (
	"time"

	"gorm.io/datatypes"
)

type Model struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ModelID     string            `gorm:"uniqueIndex;not null" json:"model_id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Specs       datatypes.JSONMap `json:"specs,omitempty"`
	Active      bool              `gorm:"default:true" json:"active"`
}

// Deployment is the stored record; sensitive config values are kept under
// encrypted_* keys and decrypted by the resolver.
type Deployment struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ModelID        uint              `gorm:"not null;index;uniqueIndex:idx_deployment_identity" json:"model_id"`
	Model          Model             `gorm:"foreignKey:ModelID" json:"-"`
	ProviderName   string            `gorm:"not null;uniqueIndex:idx_deployment_identity" json:"provider_name"`
	DeploymentName string            `gorm:"not null;uniqueIndex:idx_deployment_identity" json:"deployment_name"`
	Config         datatypes.JSONMap `json:"config,omitempty"`
	Active         bool              `gorm:"default:true" json:"active"`
}

type ModelAlias struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	ModelID uint   `gorm:"not null;index" json:"model_id"`
	Model   Model  `gorm:"foreignKey:ModelID" json:"-"`
	Alias   string `gorm:"uniqueIndex;not null" json:"alias"`
	Active  bool   `gorm:"default:true" json:"active"`
}
