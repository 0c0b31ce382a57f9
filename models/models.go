// Package models holds the GORM entities backing the gateway's
// configuration and observability data: the providers caller code can
// route to, the logical models that abstract over them, the bindings
// between the two, rolling provider health state, and a per-request
// audit log.
package models

import "time"

// Provider is one configured upstream vendor endpoint.
type Provider struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Name      string `gorm:"uniqueIndex;size:64;not null" json:"name"`
	Type      string `gorm:"size:32;not null" json:"type"` // openai | claude | gemini | openaicompat
	BaseURL   string `gorm:"size:255" json:"base_url,omitempty"`
	APIKey    string `gorm:"size:255" json:"-"`
	Enabled   bool   `gorm:"default:true" json:"enabled"`
	Priority  int    `gorm:"default:0" json:"priority"`
	Weight    int    `gorm:"default:1" json:"weight"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Provider) TableName() string { return "gw_providers" }

// LogicalModel is the caller-facing model name (e.g. "gpt-4o") that a
// request targets; it resolves to one or more ModelBinding rows.
type LogicalModel struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"uniqueIndex;size:128;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (LogicalModel) TableName() string { return "gw_logical_models" }

// ModelBinding binds a LogicalModel to a concrete Provider model and
// marks explicit fallback ordering for that logical model. It has no
// weight or priority of its own; routing uses the Provider's.
type ModelBinding struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	LogicalModelID uint   `gorm:"index;not null" json:"logical_model_id"`
	ProviderID     uint   `gorm:"index;not null" json:"provider_id"`
	ProviderModel  string `gorm:"size:128;not null" json:"provider_model"`
	IsFallback     bool   `gorm:"default:false" json:"is_fallback"`
	FallbackOrder  int    `gorm:"default:0" json:"fallback_order"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	LogicalModel LogicalModel `gorm:"foreignKey:LogicalModelID" json:"-"`
	Provider     Provider     `gorm:"foreignKey:ProviderID" json:"-"`
}

func (ModelBinding) TableName() string { return "gw_model_bindings" }

// ProviderHealth is the mutable, frequently-updated health record for a
// provider: a boolean healthy flag plus a consecutive-failure counter
// used for hysteresis (N consecutive failures flip to unhealthy, a
// single success heals immediately).
type ProviderHealth struct {
	ProviderID          uint      `gorm:"primaryKey" json:"provider_id"`
	Healthy             bool      `gorm:"default:true" json:"healthy"`
	ConsecutiveFailures int       `gorm:"default:0" json:"consecutive_failures"`
	LastCheckedAt       time.Time `json:"last_checked_at"`
	LastError           string    `gorm:"size:512" json:"last_error,omitempty"`
	LastLatencyMs       int64     `json:"last_latency_ms"`
}

func (ProviderHealth) TableName() string { return "gw_provider_health" }

// RequestLog records request outcomes. A non-streamed dispatch writes
// one failure row for each provider whose attempts were exhausted and
// one success row for the provider that answered; a streamed request
// writes exactly one row.
type RequestLog struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	RequestID        string    `gorm:"index;size:64;not null" json:"request_id"`
	LogicalModel     string    `gorm:"size:128" json:"logical_model"`
	ProviderName     string    `gorm:"size:64" json:"provider_name"`
	Attempts         int       `json:"attempts"`
	Success          bool      `json:"success"`
	ErrorCode        string    `gorm:"size:64" json:"error_code,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	EstimatedTokens  bool      `json:"estimated_tokens"`
	LatencyMs        int64     `json:"latency_ms"`
	Streamed         bool      `json:"streamed"`
	CreatedAt        time.Time `json:"created_at"`
}

func (RequestLog) TableName() string { return "gw_request_logs" }

// AutoMigrate creates or updates every table this package owns. It is
// the gateway's migration entrypoint for environments that don't run
// the golang-migrate SQL files under migrations/.
func AutoMigrate(db interface {
	AutoMigrate(dst ...interface{}) error
}) error {
	return db.AutoMigrate(
		&Provider{},
		&LogicalModel{},
		&ModelBinding{},
		&ProviderHealth{},
		&RequestLog{},
	)
}
