package api

import (
	"github.com/roach88/chronicle/internal/ir"
)

// ErrorResponse is returned for every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// EntityQuery identifies one entity. Key is a JSON object of primary key
// values, e.g. {"id":1}.
type EntityQuery struct {
	Key string `form:"key" binding:"required"`
}

type StateQuery struct {
	EntityQuery
	AsOfTx   *int64 `form:"as_of_tx"`
	AsOfTime string `form:"as_of_time"`
}

type DiffQuery struct {
	EntityQuery
	From        int64 `form:"from" binding:"gte=0"`
	To          int64 `form:"to" binding:"gte=0"`
	IncludeFrom bool  `form:"include_from"`
	ExcludeTo   bool  `form:"exclude_to"`
}

type LogQuery struct {
	After int64 `form:"after" binding:"gte=0"`
	Limit int   `form:"limit" binding:"gte=0,lte=1000"`
}

type VersionsResponse struct {
	EntityType string             `json:"entity_type"`
	EntityKey  ir.Key             `json:"entity_key"`
	Versions   []ir.VersionRecord `json:"versions"`
}

type DiffResponse struct {
	EntityType string           `json:"entity_type"`
	EntityKey  ir.Key           `json:"entity_key"`
	From       ir.TransactionID `json:"from"`
	To         ir.TransactionID `json:"to"`
	Delta      ir.Delta         `json:"delta"`
}

type TransactionResponse struct {
	Transaction ir.Transaction     `json:"transaction"`
	Versions    []ir.VersionRecord `json:"versions"`
}

type LogResponse struct {
	Transactions []ir.Transaction `json:"transactions"`

	// NextAfter is the after value for the next page; zero when exhausted.
	NextAfter ir.TransactionID `json:"next_after,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
