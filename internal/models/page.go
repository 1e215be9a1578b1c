package models

import "math"

const (
	DefaultPageSize = 20
	MaxPageSize     = 100

	// MaxPageNumber keeps Number*Size within int
	MaxPageNumber = math.MaxInt32 / MaxPageSize
)

// PageRequest selects one 0-based page of an ordered listing
type PageRequest struct {
	Number int
	Size   int
}

// NewPageRequest clamps raw paging input to sane bounds
func NewPageRequest(number, size int) PageRequest {
	if number < 0 {
		number = 0
	}
	if number > MaxPageNumber {
		number = MaxPageNumber
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return PageRequest{Number: number, Size: size}
}

// Offset returns the number of rows to skip
func (p PageRequest) Offset() int {
	return p.Number * p.Size
}

// Page is one page of results plus the totals needed to navigate
type Page[T any] struct {
	Content       []T   `json:"content"`
	TotalElements int64 `json:"total_elements"`
	TotalPages    int   `json:"total_pages"`
	Number        int   `json:"number"`
	Size          int   `json:"size"`
}

// NewPage assembles a page from a slice and the unpaged total
func NewPage[T any](content []T, total int64, req PageRequest) Page[T] {
	if content == nil {
		content = []T{}
	}
	pages := 0
	if req.Size > 0 {
		pages = int((total + int64(req.Size) - 1) / int64(req.Size))
	}
	return Page[T]{
		Content:       content,
		TotalElements: total,
		TotalPages:    pages,
		Number:        req.Number,
		Size:          req.Size,
	}
}
