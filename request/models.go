package request

import (
	"strings"
	"time"
)

type Kind string

const (
	KindBlood        Kind = "blood"
	KindElderSupport Kind = "elder_support"
	KindComplaint    Kind = "complaint"
)

// Kinds lists every request variant in declaration order.
var Kinds = []Kind{KindBlood, KindElderSupport, KindComplaint}

func (k Kind) Valid() bool {
	switch k {
	case KindBlood, KindElderSupport, KindComplaint:
		return true
	}
	return false
}

// SingleSlot reports whether the kind is fulfilled by exactly one committed volunteer
// without an application round.
func (k Kind) SingleSlot() bool {
	return k == KindBlood || k == KindElderSupport
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusCompleted  Status = "completed"
	StatusOpen       Status = "open"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusClosed     Status = "closed"
	StatusCancelled  Status = "cancelled"
)

// Priority is shared by blood and elder support urgency levels and complaint priority.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank orders priorities low < medium < high < urgent. Unknown values rank 0.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	}
	return 0
}

func (p Priority) Valid() bool { return p.Rank() > 0 }

// Less reports whether p ranks strictly below other.
func (p Priority) Less(other Priority) bool { return p.Rank() < other.Rank() }

// ParsePriority accepts any casing and surrounding whitespace.
func ParsePriority(s string) (Priority, bool) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	return p, p.Valid()
}

type ApplicationStatus string

const (
	ApplicationPending  ApplicationStatus = "pending"
	ApplicationAccepted ApplicationStatus = "accepted"
	ApplicationRejected ApplicationStatus = "rejected"
)

type Address struct {
	Street     string
	City       string
	State      string
	PostalCode string
}

type Coordinates struct {
	Lat float64
	Lon float64
}

type Location struct {
	Address     Address
	Coordinates *Coordinates
}

// Contact holds the requester's reachability details. It is only ever handed
// out through the disclosure package.
type Contact struct {
	Phone string
	Email string
}

// Commitment records the volunteer occupying the request's fulfillment slot.
type Commitment struct {
	VolunteerID string
	At          time.Time
}

type Application struct {
	VolunteerID   string
	Message       string
	EstimatedTime string
	AppliedAt     time.Time
	Status        ApplicationStatus
}

type StatusChange struct {
	From Status
	To   Status
}

// Update is one entry of the append-only request log.
type Update struct {
	AuthorID     string
	Message      string
	Timestamp    time.Time
	StatusChange *StatusChange
}

// ServiceRequest is the canonical aggregate. Kind-specific fields live in Details.
type ServiceRequest struct {
	ID            string
	RequesterID   string
	RequesterName string
	Status        Status
	Description   string
	Location      Location
	Contact       Contact
	Details       Details
	Commitment    *Commitment
	Applications  []Application
	Updates       []Update
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Kind returns the variant tag derived from Details.
func (r ServiceRequest) Kind() Kind {
	if r.Details == nil {
		return ""
	}
	return r.Details.Kind()
}

// Priority returns the urgency level or complaint priority.
func (r ServiceRequest) Priority() Priority {
	if r.Details == nil {
		return ""
	}
	return r.Details.priority()
}

// Application returns the application filed by volunteerID, if any.
func (r ServiceRequest) Application(volunteerID string) (Application, bool) {
	for _, app := range r.Applications {
		if app.VolunteerID == volunteerID {
			return app, true
		}
	}
	return Application{}, false
}

// AcceptedApplication returns the single accepted application, if any.
func (r ServiceRequest) AcceptedApplication() (Application, bool) {
	for _, app := range r.Applications {
		if app.Status == ApplicationAccepted {
			return app, true
		}
	}
	return Application{}, false
}

// IsCommittedVolunteer reports whether userID occupies the commitment slot.
func (r ServiceRequest) IsCommittedVolunteer(userID string) bool {
	return userID != "" && r.Commitment != nil && r.Commitment.VolunteerID == userID
}

// SetStatus moves the request to the target status and appends the single
// log entry recording the change. Graph validation is the caller's job.
func (r *ServiceRequest) SetStatus(to Status, authorID, message string, at time.Time) {
	from := r.Status
	r.Status = to
	r.Updates = append(r.Updates, Update{
		AuthorID:     authorID,
		Message:      message,
		Timestamp:    at,
		StatusChange: &StatusChange{From: from, To: to},
	})
	r.UpdatedAt = at
}

// AppendNote adds a log entry that does not change status.
func (r *ServiceRequest) AppendNote(authorID, message string, at time.Time) {
	r.Updates = append(r.Updates, Update{
		AuthorID:  authorID,
		Message:   message,
		Timestamp: at,
	})
	r.UpdatedAt = at
}

// Clone returns a deep copy that shares no mutable memory with r.
func (r ServiceRequest) Clone() ServiceRequest {
	out := r
	if r.Location.Coordinates != nil {
		c := *r.Location.Coordinates
		out.Location.Coordinates = &c
	}
	if r.Commitment != nil {
		c := *r.Commitment
		out.Commitment = &c
	}
	if r.Applications != nil {
		out.Applications = make([]Application, len(r.Applications))
		copy(out.Applications, r.Applications)
	}
	if r.Updates != nil {
		out.Updates = make([]Update, len(r.Updates))
		for i, u := range r.Updates {
			if u.StatusChange != nil {
				sc := *u.StatusChange
				u.StatusChange = &sc
			}
			out.Updates[i] = u
		}
	}
	return out
}
