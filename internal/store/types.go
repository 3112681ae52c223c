// Package store provides vector storage for image embeddings with
// payload metadata and filtered search.
package store

import (
	"context"
	"fmt"
	"time"
)

// Payload is the metadata stored alongside each image vector. It is
// what searches return; the raw vector never leaves the store.
type Payload struct {
	Filename    string            `json:"filename"`
	Path        string            `json:"path"`
	CreatedAt   time.Time         `json:"created_at"`
	Tags        []string          `json:"tags,omitempty"`
	Description string            `json:"description,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Field returns a named payload field as a string, consulting the
// well-known fields first and Extra last. Unknown fields return "".
func (p Payload) Field(name string) string {
	switch name {
	case "filename":
		return p.Filename
	case "path":
		return p.Path
	case "description":
		return p.Description
	}
	return p.Extra[name]
}

// Point is a vector plus its identity and payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// Filter restricts search and scroll results. All populated conditions
// must hold (conjunction). The zero Filter matches everything.
type Filter struct {
	// TagsAny matches points carrying at least one of these tags.
	TagsAny []string
	// CreatedFrom/CreatedTo bound the creation time (inclusive from,
	// exclusive to). Zero values leave the bound open.
	CreatedFrom time.Time
	CreatedTo   time.Time
	// Month/Day match the creation date's month and day regardless of
	// year. Zero means unconstrained.
	Month time.Month
	Day   int
	// IDs restricts results to this allowlist.
	IDs []string
	// FieldEquals requires exact matches on named payload fields.
	FieldEquals map[string]string
}

// IsZero reports whether the filter imposes no conditions.
func (f Filter) IsZero() bool {
	return len(f.TagsAny) == 0 && f.CreatedFrom.IsZero() && f.CreatedTo.IsZero() &&
		f.Month == 0 && f.Day == 0 && len(f.IDs) == 0 && len(f.FieldEquals) == 0
}

// Match reports whether the payload satisfies every condition.
func (f Filter) Match(id string, p Payload) bool {
	if len(f.IDs) > 0 {
		found := false
		for _, want := range f.IDs {
			if want == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.TagsAny) > 0 {
		found := false
		for _, want := range f.TagsAny {
			for _, have := range p.Tags {
				if want == have {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.CreatedFrom.IsZero() && p.CreatedAt.Before(f.CreatedFrom) {
		return false
	}
	if !f.CreatedTo.IsZero() && !p.CreatedAt.Before(f.CreatedTo) {
		return false
	}
	if f.Month != 0 && p.CreatedAt.Month() != f.Month {
		return false
	}
	if f.Day != 0 && p.CreatedAt.Day() != f.Day {
		return false
	}
	for field, want := range f.FieldEquals {
		if p.Field(field) != want {
			return false
		}
	}
	return true
}

// SearchResult is one similarity hit.
type SearchResult struct {
	ID      string
	Score   float32 // similarity in [0,1], higher is better
	Payload Payload
}

// ScrollPage is one page of a filtered metadata scan.
type ScrollPage struct {
	Points []Point
	// NextOffset resumes the scan; -1 means exhausted.
	NextOffset int
	// Scanned counts records examined, including non-matching ones,
	// so callers can enforce scan ceilings.
	Scanned int
}

// Info describes the store for status reporting.
type Info struct {
	Collection string `json:"collection"`
	Count      int    `json:"count"`
	Dimensions int    `json:"dimensions"`
	Mode       string `json:"mode"`
}

// VectorStore is the persistence interface for image embeddings.
type VectorStore interface {
	// Upsert inserts or replaces points. Replacing re-embeds: the old
	// vector is superseded and the payload overwritten.
	Upsert(ctx context.Context, points []Point) error

	// Search returns up to k nearest neighbours matching the filter,
	// best score first.
	Search(ctx context.Context, vector []float32, k int, filter Filter) ([]SearchResult, error)

	// Scroll pages through points matching the filter in creation-time
	// descending order (ties broken by id). offset 0 starts a scan.
	Scroll(ctx context.Context, filter Filter, limit, offset int) (*ScrollPage, error)

	// Get returns a single point's payload.
	Get(ctx context.Context, id string) (*Point, error)

	// Delete removes points by id. Unknown ids are ignored.
	Delete(ctx context.Context, ids []string) error

	// SetPayload merges payload updates into an existing point without
	// touching its vector.
	SetPayload(ctx context.Context, id string, p Payload) error

	// Count returns the number of live points, optionally filtered.
	Count(ctx context.Context, filter Filter) (int, error)

	// Info returns collection metadata.
	Info(ctx context.Context) (Info, error)

	// Close flushes and releases the store.
	Close() error
}

// Config configures a vector store.
type Config struct {
	Mode       string // "local-file" | "remote"
	Path       string // local-file: data directory
	Endpoint   string // remote mode
	Collection string
	Dimensions int
	M          int // HNSW connectivity
	EfSearch   int // HNSW search expansion
}

// ErrDimensionMismatch reports a vector whose length does not match the
// collection dimension.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}
