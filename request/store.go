package request

import (
	"context"
	"sort"
)

// MutateFunc edits a private copy of a request while the store holds that
// request's writer lock. Returning an error discards the copy.
type MutateFunc func(req *ServiceRequest) error

// Store persists ServiceRequest aggregates. Implementations serialize writers
// per request id; Get and List return snapshots that callers may keep.
type Store interface {
	Insert(ctx context.Context, req ServiceRequest) (ServiceRequest, error)
	Get(ctx context.Context, id string) (ServiceRequest, error)
	List(ctx context.Context, filter Filter) ([]ServiceRequest, int, error)
	Update(ctx context.Context, id string, fn MutateFunc) (ServiceRequest, error)
	Delete(ctx context.Context, id string) error
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type Filter struct {
	Kind        Kind
	Status      Status
	RequesterID string
	// VolunteerID matches requests the volunteer is committed to or has applied for.
	VolunteerID string
	Page        int
	PageSize    int
}

func (f Filter) normalized() Filter {
	if f.Page <= 0 {
		f.Page = 1
	}
	switch {
	case f.PageSize <= 0:
		f.PageSize = DefaultPageSize
	case f.PageSize > MaxPageSize:
		f.PageSize = MaxPageSize
	}
	return f
}

func (f Filter) matches(r ServiceRequest) bool {
	if f.Kind != "" && r.Kind() != f.Kind {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.RequesterID != "" && r.RequesterID != f.RequesterID {
		return false
	}
	if f.VolunteerID != "" {
		if _, applied := r.Application(f.VolunteerID); !applied && !r.IsCommittedVolunteer(f.VolunteerID) {
			return false
		}
	}
	return true
}

// sortNewestFirst orders by creation time descending, then id.
func sortNewestFirst(list []ServiceRequest) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
