package dto

// EventModel is a single turnstile event as it arrives over the wire.
type EventModel struct {
	UserID   string                 `json:"user_id" binding:"required" example:"user_123"`
	Op       string                 `json:"op" binding:"required,oneof=+ -" example:"+"`
	Day      string                 `json:"day" binding:"required" example:"2026-01-15"`
	Metadata map[string]interface{} `json:"metadata,omitempty" swaggertype:"object,string"`
}

// IngestEventsRequest accepts a single event, a batch, or both. Every event
// in either field is checked against EventModel's binding rules.
type IngestEventsRequest struct {
	Event  *EventModel  `json:"event,omitempty"`
	Events []EventModel `json:"events,omitempty" binding:"omitempty,dive"`
}

// Resolved returns the request's events as a single slice: a lone Event
// becomes a one-element batch, and when both fields are set Event is
// placed ahead of Events.
func (r IngestEventsRequest) Resolved() []EventModel {
	if r.Event != nil {
		return append([]EventModel{*r.Event}, r.Events...)
	}
	return r.Events
}

// MAUQuery binds the query parameters accepted by GET /mau.
type MAUQuery struct {
	End        string `form:"end" binding:"required" example:"2026-01-31"`
	WindowDays int    `form:"window" example:"30"`
	IncludeRaw bool   `form:"include_raw" example:"false"`
}

// DAUQuery binds the query parameters accepted by GET /dau/:day.
type DAUQuery struct {
	IncludeRaw bool `form:"include_raw" example:"false"`
}

// BudgetQuery binds the query parameters accepted by GET /budget/:metric.
type BudgetQuery struct {
	Day string `form:"day" binding:"required" example:"2026-01-31"`
}
