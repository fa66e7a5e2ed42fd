// Package deployment maps model identifiers and aliases to upstream
// deployments, caching resolved snapshots in Redis.
package deployment

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Provider families the gateway treats specially.
const (
	ProviderAnthropic   = "anthropic"
	providerPhalaPrefix = "phala"
)

// Deployment is the immutable resolved snapshot handed to the request
// path. Credentials are already decrypted.
type Deployment struct {
	ID             uint   `json:"id"`
	ModelID        string `json:"model_id"`
	Provider       string `json:"provider"`
	DeploymentName string `json:"deployment_name"`

	Config ProviderConfig `json:"config"`

	InputCostPerToken  decimal.Decimal `json:"input_cost_per_token"`
	OutputCostPerToken decimal.Decimal `json:"output_cost_per_token"`
}

// ProviderConfig is the typed form of the stored config blob. Known
// fields are promoted; everything else stays in Extra for forward
// compatibility.
type ProviderConfig struct {
	BaseURL    string            `json:"base_url"`
	APIKey     string            `json:"api_key"`
	APIVersion string            `json:"api_version,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// SpeaksAnthropic reports whether the upstream natively serves the
// Anthropic Messages dialect, i.e. /v1/messages needs no translation.
func (d *Deployment) SpeaksAnthropic() bool {
	return d.Provider == ProviderAnthropic
}

// IsConfidential reports whether the deployment runs in a confidential
// enclave (the phala provider family), which requires the request hash
// for later signature lookups.
func (d *Deployment) IsConfidential() bool {
	return strings.HasPrefix(d.Provider, providerPhalaPrefix)
}

func (d *Deployment) URL(path string) string {
	return strings.TrimSuffix(d.Config.BaseURL, "/") + path
}

func (d *Deployment) String() string {
	return fmt.Sprintf("%s/%s (%s)", d.Provider, d.DeploymentName, d.ModelID)
}
