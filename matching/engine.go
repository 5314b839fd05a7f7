// Package matching implements the two fulfillment protocols: single-slot
// commit for blood and elder support requests, and application plus
// selection for complaints.
package matching

import (
	"context"
	"fmt"
	"strings"
	"time"

	"civicaid/auth"
	"civicaid/disclosure"
	"civicaid/request"

	"go.uber.org/zap"
)

type Engine struct {
	store  request.Store
	logger *zap.Logger
	now    func() time.Time
}

type ApplyParams struct {
	RequestID     string
	Message       string
	EstimatedTime string
}

type AssignParams struct {
	RequestID   string
	VolunteerID string
}

func NewEngine(store request.Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Volunteer claims the single fulfillment slot of a blood or elder support
// request for actor. The check of (status, commitment) and the write happen
// under the store's per-request writer lock, so among concurrent callers
// exactly one succeeds and the rest get ErrAlreadyCommitted.
func (e *Engine) Volunteer(ctx context.Context, actor auth.Actor, requestID string) (disclosure.Projection, error) {
	if !actor.CanVolunteer() || actor.UserID == "" {
		return disclosure.Projection{}, fmt.Errorf("%w: only volunteers may commit to requests", request.ErrForbidden)
	}

	updated, err := e.store.Update(ctx, requestID, func(req *request.ServiceRequest) error {
		kind := req.Kind()
		if !kind.SingleSlot() {
			return fmt.Errorf("%w: %s requests are filled by application", request.ErrInvalidTransition, kind)
		}
		if req.RequesterID == actor.UserID {
			return request.ErrSelfCommitForbidden
		}
		if req.Commitment != nil {
			return request.ErrAlreadyCommitted
		}
		target := request.CommitStatus(kind)
		if !request.IsCommitEdge(kind, req.Status, target) {
			return fmt.Errorf("%w: cannot volunteer for a %s request", request.ErrInvalidTransition, req.Status)
		}

		now := e.now()
		req.Commitment = &request.Commitment{VolunteerID: actor.UserID, At: now}
		req.SetStatus(target, actor.UserID, "Volunteer committed", now)
		return nil
	})
	if err != nil {
		e.logger.Debug("volunteer rejected",
			zap.String("request_id", requestID),
			zap.String("volunteer_id", actor.UserID),
			zap.Error(err),
		)
		return disclosure.Projection{}, err
	}

	e.logger.Info("volunteer committed",
		zap.String("request_id", updated.ID),
		zap.String("volunteer_id", actor.UserID),
	)
	return disclosure.Reveal(updated, actor), nil
}

// Apply records actor's interest in an open complaint. Status and commitment
// are unchanged; a second application by the same volunteer is rejected.
func (e *Engine) Apply(ctx context.Context, actor auth.Actor, params ApplyParams) (disclosure.Projection, error) {
	if !actor.CanVolunteer() || actor.UserID == "" {
		return disclosure.Projection{}, fmt.Errorf("%w: only volunteers may apply", request.ErrForbidden)
	}

	updated, err := e.store.Update(ctx, params.RequestID, func(req *request.ServiceRequest) error {
		if req.Kind() != request.KindComplaint {
			return fmt.Errorf("%w: %s requests take a direct commitment", request.ErrInvalidTransition, req.Kind())
		}
		if req.RequesterID == actor.UserID {
			return request.ErrSelfCommitForbidden
		}
		if _, exists := req.Application(actor.UserID); exists {
			return request.ErrDuplicateApplication
		}
		if req.Status != request.StatusOpen {
			return fmt.Errorf("%w: complaint is %s", request.ErrInvalidTransition, req.Status)
		}

		now := e.now()
		req.Applications = append(req.Applications, request.Application{
			VolunteerID:   actor.UserID,
			Message:       strings.TrimSpace(params.Message),
			EstimatedTime: strings.TrimSpace(params.EstimatedTime),
			AppliedAt:     now,
			Status:        request.ApplicationPending,
		})
		req.UpdatedAt = now
		return nil
	})
	if err != nil {
		return disclosure.Projection{}, err
	}

	e.logger.Info("application received",
		zap.String("request_id", updated.ID),
		zap.String("volunteer_id", actor.UserID),
		zap.Int("applications", len(updated.Applications)),
	)
	return disclosure.Reveal(updated, actor), nil
}

// Assign selects one pending applicant of a complaint. The chosen application
// is accepted, every other pending one rejected, the commitment set and the
// status moved to assigned, all in one store update.
func (e *Engine) Assign(ctx context.Context, actor auth.Actor, params AssignParams) (disclosure.Projection, error) {
	if params.VolunteerID == "" {
		return disclosure.Projection{}, fmt.Errorf("%w: volunteer id required", request.ErrValidation)
	}

	updated, err := e.store.Update(ctx, params.RequestID, func(req *request.ServiceRequest) error {
		if req.Kind() != request.KindComplaint {
			return fmt.Errorf("%w: %s requests take a direct commitment", request.ErrInvalidTransition, req.Kind())
		}
		if actor.UserID == "" || (!actor.IsAdmin() && req.RequesterID != actor.UserID) {
			return fmt.Errorf("%w: only the requester or an admin may assign", request.ErrForbidden)
		}
		if req.Commitment != nil {
			return fmt.Errorf("%w: complaint already assigned to %s", request.ErrInvalidTransition, req.Commitment.VolunteerID)
		}
		if !request.IsCommitEdge(request.KindComplaint, req.Status, request.StatusAssigned) {
			return fmt.Errorf("%w: cannot assign a %s complaint", request.ErrInvalidTransition, req.Status)
		}
		app, ok := req.Application(params.VolunteerID)
		if !ok || app.Status != request.ApplicationPending {
			return fmt.Errorf("%w: no pending application from %s", request.ErrNotFound, params.VolunteerID)
		}

		for i := range req.Applications {
			if req.Applications[i].Status != request.ApplicationPending {
				continue
			}
			if req.Applications[i].VolunteerID == params.VolunteerID {
				req.Applications[i].Status = request.ApplicationAccepted
			} else {
				req.Applications[i].Status = request.ApplicationRejected
			}
		}
		now := e.now()
		req.Commitment = &request.Commitment{VolunteerID: params.VolunteerID, At: now}
		req.SetStatus(request.StatusAssigned, actor.UserID, "Volunteer assigned", now)
		return nil
	})
	if err != nil {
		return disclosure.Projection{}, err
	}

	e.logger.Info("complaint assigned",
		zap.String("request_id", updated.ID),
		zap.String("volunteer_id", params.VolunteerID),
		zap.String("actor_id", actor.UserID),
	)
	return disclosure.Reveal(updated, actor), nil
}
