// Package paginate provides stateless windowing over ordered collections.
//
// Out-of-range requests are rejected rather than clamped; callers clamp
// before calling.
package paginate

import (
	"fmt"

	verrors "github.com/exploopio/vulnsla/pkg/errors"
)

// Page is one window of an ordered collection.
type Page[T any] struct {
	Items      []T  `json:"items"`
	Number     int  `json:"page"`
	Size       int  `json:"page_size"`
	TotalItems int  `json:"total_items"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

// TotalPages returns ceil(total/size). size must be positive.
func TotalPages(total, size int) (int, error) {
	if size <= 0 {
		return 0, verrors.Wrap(verrors.ErrInvalidPageSize, fmt.Sprintf("paginate: size %d", size))
	}
	if total <= 0 {
		return 0, nil
	}
	return (total + size - 1) / size, nil
}

// Window returns the half-open index range [start, end) of page k.
func Window(total, page, size int) (start, end int, err error) {
	pages, err := TotalPages(total, size)
	if err != nil {
		return 0, 0, err
	}
	if page < 1 || page > pages {
		return 0, 0, verrors.Wrap(verrors.ErrInvalidPage,
			fmt.Sprintf("paginate: page %d of %d", page, pages))
	}
	start = (page - 1) * size
	end = min(page*size, total)
	return start, end, nil
}

// Paginate returns page k (1-indexed) of items using the given page size.
func Paginate[T any](items []T, page, size int) (*Page[T], error) {
	start, end, err := Window(len(items), page, size)
	if err != nil {
		return nil, err
	}
	pages, _ := TotalPages(len(items), size)
	return &Page[T]{
		Items:      items[start:end],
		Number:     page,
		Size:       size,
		TotalItems: len(items),
		TotalPages: pages,
		HasNext:    page < pages,
		HasPrev:    page > 1,
	}, nil
}
