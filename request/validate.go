package request

import (
	"fmt"
	"math"
	"strings"
)

// Validate checks a freshly drafted request before it is stored.
func (r ServiceRequest) Validate() error {
	if r.Details == nil {
		return fmt.Errorf("%w: request kind required", ErrValidation)
	}
	if strings.TrimSpace(r.RequesterID) == "" {
		return fmt.Errorf("%w: requester required", ErrValidation)
	}
	if strings.TrimSpace(r.Description) == "" {
		return fmt.Errorf("%w: description required", ErrValidation)
	}
	if strings.TrimSpace(r.Location.Address.City) == "" {
		return fmt.Errorf("%w: location city required", ErrValidation)
	}
	if c := r.Location.Coordinates; c != nil {
		if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
			return fmt.Errorf("%w: coordinates (%v, %v) out of range", ErrValidation, c.Lat, c.Lon)
		}
	}
	if strings.TrimSpace(r.Contact.Phone) == "" && strings.TrimSpace(r.Contact.Email) == "" {
		return fmt.Errorf("%w: contact phone or email required", ErrValidation)
	}
	return r.Details.validate()
}

// CheckInvariants verifies the structural rules every stored request obeys.
func (r ServiceRequest) CheckInvariants() error {
	kind := r.Kind()
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvariant, kind)
	}
	if !ValidStatus(kind, r.Status) {
		return fmt.Errorf("%w: status %q not valid for %s", ErrInvariant, r.Status, kind)
	}

	held := HoldsCommitment(kind, r.Status)
	if held != (r.Commitment != nil) {
		return fmt.Errorf("%w: commitment presence %t in status %s", ErrInvariant, r.Commitment != nil, r.Status)
	}
	if r.Commitment != nil && r.Commitment.VolunteerID == "" {
		return fmt.Errorf("%w: commitment without volunteer", ErrInvariant)
	}

	if kind != KindComplaint && len(r.Applications) > 0 {
		return fmt.Errorf("%w: %s requests take no applications", ErrInvariant, kind)
	}
	seen := make(map[string]bool, len(r.Applications))
	accepted := 0
	for _, app := range r.Applications {
		if seen[app.VolunteerID] {
			return fmt.Errorf("%w: volunteer %s applied twice", ErrInvariant, app.VolunteerID)
		}
		seen[app.VolunteerID] = true
		if app.Status == ApplicationAccepted {
			accepted++
			if !r.IsCommittedVolunteer(app.VolunteerID) {
				return fmt.Errorf("%w: accepted application of %s does not match commitment", ErrInvariant, app.VolunteerID)
			}
		}
	}
	if accepted > 1 {
		return fmt.Errorf("%w: %d accepted applications", ErrInvariant, accepted)
	}
	return nil
}

// checkMutation verifies that next is a legal successor of prev: immutable
// fields untouched, the update log only appended to, applications only
// appended to or re-statused.
func checkMutation(prev, next ServiceRequest) error {
	if next.ID != prev.ID || next.RequesterID != prev.RequesterID || next.Kind() != prev.Kind() {
		return fmt.Errorf("%w: identity fields changed", ErrInvariant)
	}
	if !next.CreatedAt.Equal(prev.CreatedAt) {
		return fmt.Errorf("%w: created_at changed", ErrInvariant)
	}
	if b, ok := prev.Details.(BloodDetails); ok && next.Details.(BloodDetails).BloodType != b.BloodType {
		return fmt.Errorf("%w: blood type changed", ErrInvariant)
	}

	if len(next.Updates) < len(prev.Updates) {
		return fmt.Errorf("%w: update log shrank", ErrInvariant)
	}
	for i := range prev.Updates {
		if !sameUpdate(prev.Updates[i], next.Updates[i]) {
			return fmt.Errorf("%w: update %d rewritten", ErrInvariant, i)
		}
	}
	changes := 0
	for _, u := range next.Updates[len(prev.Updates):] {
		if u.StatusChange != nil {
			changes++
		}
	}
	if next.Status != prev.Status && changes != 1 {
		return fmt.Errorf("%w: status change recorded %d times", ErrInvariant, changes)
	}
	if next.Status == prev.Status && changes != 0 {
		return fmt.Errorf("%w: status change recorded without a status change", ErrInvariant)
	}

	if len(next.Applications) < len(prev.Applications) {
		return fmt.Errorf("%w: applications removed", ErrInvariant)
	}
	for i, app := range prev.Applications {
		got := next.Applications[i]
		got.Status = app.Status
		if got != app {
			return fmt.Errorf("%w: application %d rewritten", ErrInvariant, i)
		}
	}
	return nil
}

func sameUpdate(a, b Update) bool {
	if a.AuthorID != b.AuthorID || a.Message != b.Message || !a.Timestamp.Equal(b.Timestamp) {
		return false
	}
	if (a.StatusChange == nil) != (b.StatusChange == nil) {
		return false
	}
	return a.StatusChange == nil || *a.StatusChange == *b.StatusChange
}
