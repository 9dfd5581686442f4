package dto

// ErrorResponse is the generic error envelope for 4xx/5xx responses.
type ErrorResponse struct {
	Error   string `json:"error" example:"validation_error"`
	Message string `json:"message,omitempty" example:"op must be '+' or '-'"`
}

// IngestResponse reports how many events a POST /event call accepted.
type IngestResponse struct {
	Ingested int `json:"ingested" example:"3"`
}

// RDPBest is the tightest (epsilon, delta) pair the accountant found by
// minimizing the RDP-to-DP conversion over the configured alpha orders.
type RDPBest struct {
	Alpha   float64 `json:"alpha" example:"8.0"`
	Epsilon float64 `json:"epsilon" example:"0.85"`
	Delta   float64 `json:"delta" example:"0.000001"`
}

// AdvancedBound is the advanced-composition (epsilon, delta) bound across
// all releases made so far this period.
type AdvancedBound struct {
	Epsilon float64 `json:"epsilon" example:"1.1"`
	Delta   float64 `json:"delta" example:"0.000011"`
}

// BudgetSummary mirrors accountant.Snapshot for wire transport.
type BudgetSummary struct {
	EpsilonCap       float64            `json:"epsilon_cap" example:"3.0"`
	EpsilonSpent     float64            `json:"epsilon_spent" example:"0.9"`
	EpsilonRemaining float64            `json:"epsilon_remaining" example:"2.1"`
	Delta            float64            `json:"delta" example:"0.000001"`
	RDPBest          *RDPBest           `json:"rdp_best,omitempty"`
	RDPCurve         map[string]float64 `json:"rdp_curve,omitempty"`
	Advanced         *AdvancedBound     `json:"advanced,omitempty"`
	ReleaseCount     int                `json:"release_count" example:"3"`
}

// MetricResponse is the response body for GET /dau/:day and GET /mau.
type MetricResponse struct {
	Version         string        `json:"version" example:"1.0.0"`
	Day             string        `json:"day" example:"2026-01-15"`
	WindowDays      int           `json:"window_days,omitempty" example:"30"`
	Estimate        float64       `json:"estimate" example:"1423.0"`
	Raw             *float64      `json:"raw,omitempty"`
	Lower95         float64       `json:"lower_95" example:"1390.4"`
	Upper95         float64       `json:"upper_95" example:"1455.6"`
	EpsilonUsed     float64       `json:"epsilon_used" example:"0.3"`
	Delta           float64       `json:"delta" example:"0"`
	Mechanism       string        `json:"mechanism" example:"laplace"`
	SketchImpl      string        `json:"sketch_impl" example:"kmv"`
	BudgetRemaining float64       `json:"budget_remaining" example:"2.1"`
	Budget          BudgetSummary `json:"budget"`
}

// BudgetResponse is the response body for GET /budget/:metric.
type BudgetResponse struct {
	Metric string `json:"metric" example:"DAU"`
	Period string `json:"period" example:"2026-01"`
	BudgetSummary
}

// BudgetExhaustedResponse is the 429 body denied releases receive.
type BudgetExhaustedResponse struct {
	Error            string        `json:"error" example:"budget_exhausted"`
	Metric           string        `json:"metric" example:"DAU"`
	Period           string        `json:"period" example:"2026-01"`
	EpsilonCap       float64       `json:"epsilon_cap" example:"3.0"`
	EpsilonSpent     float64       `json:"epsilon_spent" example:"3.0"`
	EpsilonRemaining float64       `json:"epsilon_remaining" example:"0"`
	NextReset        string        `json:"next_reset" example:"2026-02-01"`
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status" example:"ok"`
}
