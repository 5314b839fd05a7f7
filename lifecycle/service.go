package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"civicaid/auth"
	"civicaid/disclosure"
	"civicaid/request"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Service implements the request store operations on top of a request.Store.
// Every value it returns has passed through disclosure.Reveal.
type Service struct {
	store       request.Store
	logger      *zap.Logger
	idGenerator func() string
	now         func() time.Time
}

// Draft carries the fields a requester supplies when creating a request.
type Draft struct {
	RequesterName string
	Description   string
	Location      request.Location
	Contact       request.Contact
	Details       request.Details
}

type ListResult struct {
	Items []disclosure.Projection
	Total int
}

type TransitionParams struct {
	RequestID string
	Target    request.Status
	Message   string
}

func NewService(store request.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:       store,
		logger:      logger,
		idGenerator: func() string { return uuid.NewString() },
		now:         func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create stores a new request owned by actor in its kind's initial status.
func (s *Service) Create(ctx context.Context, actor auth.Actor, draft Draft) (disclosure.Projection, error) {
	if actor.UserID == "" {
		return disclosure.Projection{}, fmt.Errorf("%w: authenticated requester required", request.ErrForbidden)
	}
	if draft.Details == nil {
		return disclosure.Projection{}, fmt.Errorf("%w: request kind required", request.ErrValidation)
	}

	details := draft.Details
	if (request.ServiceRequest{Details: details}).Priority() == "" {
		details = request.WithPriority(details, request.PriorityMedium)
	}

	now := s.now()
	req := request.ServiceRequest{
		ID:            s.idGenerator(),
		RequesterID:   actor.UserID,
		RequesterName: strings.TrimSpace(draft.RequesterName),
		Status:        request.InitialStatus(details.Kind()),
		Description:   strings.TrimSpace(draft.Description),
		Location:      draft.Location,
		Contact: request.Contact{
			Phone: strings.TrimSpace(draft.Contact.Phone),
			Email: strings.TrimSpace(draft.Contact.Email),
		},
		Details:   details,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := req.Validate(); err != nil {
		return disclosure.Projection{}, err
	}

	created, err := s.store.Insert(ctx, req)
	if err != nil {
		return disclosure.Projection{}, err
	}

	s.logger.Info("request created",
		zap.String("request_id", created.ID),
		zap.String("kind", string(created.Kind())),
		zap.String("priority", string(created.Priority())),
		zap.String("requester_id", created.RequesterID),
	)
	return disclosure.Reveal(created, actor), nil
}

func (s *Service) Get(ctx context.Context, actor auth.Actor, id string) (disclosure.Projection, error) {
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return disclosure.Projection{}, err
	}
	return disclosure.Reveal(req, actor), nil
}

func (s *Service) List(ctx context.Context, actor auth.Actor, filter request.Filter) (ListResult, error) {
	items, total, err := s.store.List(ctx, filter)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: disclosure.RevealAll(items, actor), Total: total}, nil
}

// Transition moves a request along a non-commit edge of its status graph.
// Only the requester, the committed volunteer or an admin may transition, and
// cancelling or closing is reserved to the requester or an admin. The request
// is left untouched when any check fails.
func (s *Service) Transition(ctx context.Context, actor auth.Actor, params TransitionParams) (disclosure.Projection, error) {
	if params.RequestID == "" {
		return disclosure.Projection{}, fmt.Errorf("%w: request id required", request.ErrValidation)
	}
	message := strings.TrimSpace(params.Message)

	var from request.Status
	updated, err := s.store.Update(ctx, params.RequestID, func(req *request.ServiceRequest) error {
		if !isParticipant(*req, actor) {
			return fmt.Errorf("%w: only the requester, the committed volunteer or an admin may change status", request.ErrForbidden)
		}

		kind := req.Kind()
		if request.IsCommitEdge(kind, req.Status, params.Target) {
			return fmt.Errorf("%w: %s -> %s is taken by volunteering", request.ErrInvalidTransition, req.Status, params.Target)
		}
		if !request.CanTransition(kind, req.Status, params.Target) {
			return fmt.Errorf("%w: %s -> %s not allowed for %s", request.ErrInvalidTransition, req.Status, params.Target, kind)
		}
		if request.RequiresOwnerAuthority(params.Target) && !isOwnerOrAdmin(*req, actor) {
			return fmt.Errorf("%w: only the requester or an admin may move a request to %s", request.ErrForbidden, params.Target)
		}

		from = req.Status
		now := s.now()
		req.SetStatus(params.Target, actor.UserID, message, now)
		if params.Target == request.StatusCancelled {
			releaseCommitment(req)
		}
		return nil
	})
	if err != nil {
		return disclosure.Projection{}, err
	}

	s.logger.Info("request transitioned",
		zap.String("request_id", updated.ID),
		zap.String("from", string(from)),
		zap.String("to", string(updated.Status)),
		zap.String("actor_id", actor.UserID),
	)
	return disclosure.Reveal(updated, actor), nil
}

// AddUpdate appends a free-text note to the request log.
func (s *Service) AddUpdate(ctx context.Context, actor auth.Actor, id, message string) (disclosure.Projection, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return disclosure.Projection{}, fmt.Errorf("%w: update message required", request.ErrValidation)
	}

	updated, err := s.store.Update(ctx, id, func(req *request.ServiceRequest) error {
		if !isParticipant(*req, actor) {
			return fmt.Errorf("%w: only participants may post updates", request.ErrForbidden)
		}
		req.AppendNote(actor.UserID, message, s.now())
		return nil
	})
	if err != nil {
		return disclosure.Projection{}, err
	}
	return disclosure.Reveal(updated, actor), nil
}

// Delete removes a request permanently regardless of its status.
func (s *Service) Delete(ctx context.Context, actor auth.Actor, id string) error {
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !isOwnerOrAdmin(req, actor) {
		return fmt.Errorf("%w: only the requester or an admin may delete a request", request.ErrForbidden)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}

	s.logger.Info("request deleted",
		zap.String("request_id", id),
		zap.String("actor_id", actor.UserID),
	)
	return nil
}

func isOwnerOrAdmin(req request.ServiceRequest, actor auth.Actor) bool {
	if actor.UserID == "" {
		return false
	}
	return actor.IsAdmin() || req.RequesterID == actor.UserID
}

func isParticipant(req request.ServiceRequest, actor auth.Actor) bool {
	return isOwnerOrAdmin(req, actor) || req.IsCommittedVolunteer(actor.UserID)
}

// releaseCommitment frees the fulfillment slot of a cancelled request and
// rejects every application still in play.
func releaseCommitment(req *request.ServiceRequest) {
	req.Commitment = nil
	for i := range req.Applications {
		if req.Applications[i].Status != request.ApplicationRejected {
			req.Applications[i].Status = request.ApplicationRejected
		}
	}
}
