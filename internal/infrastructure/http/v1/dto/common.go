// Package dto provides Data Transfer Objects for API requests/responses.
package dto

import (
	"farmledger/internal/core/id"
)

// --- Pagination ---

// PaginationRequest contains limit/offset parameters.
type PaginationRequest struct {
	Limit  uint64 `form:"limit" binding:"omitempty,max=500"`
	Offset uint64 `form:"offset"`
}

// --- List Response ---

// ListResponse wraps list results.
type ListResponse[T any] struct {
	Items  []T    `json:"items"`
	Count  int    `json:"count"`
	Limit  uint64 `json:"limit,omitempty"`
	Offset uint64 `json:"offset,omitempty"`
}

// NewListResponse creates a list response; a nil slice encodes as [].
func NewListResponse[T any](items []T, page PaginationRequest) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, Count: len(items), Limit: page.Limit, Offset: page.Offset}
}

// --- ID Response ---

// IDResponse for create operations.
type IDResponse struct {
	ID string `json:"id"`
}

// NewIDResponse creates ID response.
func NewIDResponse(i id.ID) IDResponse {
	return IDResponse{ID: i.String()}
}

// --- Error Response ---

// ErrorResponse for error details.
type ErrorResponse struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
}
