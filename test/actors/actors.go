// Package actors drives the lifecycle and matching services from many
// goroutines at once against a shared store.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"civicaid/auth"
	"civicaid/lifecycle"
	"civicaid/matching"
	"civicaid/request"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Board is the set of request ids the actors compete over.
type Board struct {
	mu  sync.RWMutex
	ids []string
}

func (b *Board) Add(id string) {
	b.mu.Lock()
	b.ids = append(b.ids, id)
	b.mu.Unlock()
}

func (b *Board) Pick(rng *rand.Rand) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ids) == 0 {
		return "", false
	}
	return b.ids[rng.Intn(len(b.ids))], true
}

func (b *Board) IDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.ids...)
}

// Ledger records every commit a caller was told succeeded.
type Ledger struct {
	mu      sync.Mutex
	commits map[string][]string

	// Infra counts calls that failed for reasons outside the domain, such as
	// connections cut by chaos.
	Infra atomic.Int64
}

func NewLedger() *Ledger {
	return &Ledger{commits: make(map[string][]string)}
}

func (l *Ledger) recordCommit(requestID, volunteerID string) {
	l.mu.Lock()
	l.commits[requestID] = append(l.commits[requestID], volunteerID)
	l.mu.Unlock()
}

func (l *Ledger) Commits() map[string][]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string][]string, len(l.commits))
	for id, vs := range l.commits {
		out[id] = append([]string(nil), vs...)
	}
	return out
}

var expected = []error{
	request.ErrValidation,
	request.ErrNotFound,
	request.ErrForbidden,
	request.ErrInvalidTransition,
	request.ErrAlreadyCommitted,
	request.ErrDuplicateApplication,
	request.ErrSelfCommitForbidden,
}

// settle sorts an operation's error: nil for outcomes the domain allows, the
// error itself when it signals a broken invariant or cancellation.
func (l *Ledger) settle(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, request.ErrInvariant) {
		return err
	}
	for _, target := range expected {
		if errors.Is(err, target) {
			return nil
		}
	}
	l.Infra.Add(1)
	return nil
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func pause(rng *rand.Rand, minMS, spreadMS int) {
	time.Sleep(time.Duration(minMS+rng.Intn(spreadMS)) * time.Millisecond)
}

func NewDraft(rng *rand.Rand, kind request.Kind) lifecycle.Draft {
	draft := lifecycle.Draft{
		RequesterName: "Stress Requester",
		Description:   fmt.Sprintf("stress %s request %d", kind, rng.Int63()),
		Location:      request.Location{Address: request.Address{City: "Kampala"}},
		Contact:       request.Contact{Phone: "+256700000000"},
	}
	switch kind {
	case request.KindBlood:
		types := []request.BloodType{request.BloodOPos, request.BloodANeg, request.BloodABPos}
		draft.Details = request.BloodDetails{BloodType: types[rng.Intn(len(types))], UnitsNeeded: 1 + rng.Intn(3)}
	case request.KindElderSupport:
		draft.Details = request.ElderSupportDetails{ServiceType: "medicine pickup"}
	default:
		draft.Details = request.ComplaintDetails{Title: "Broken streetlight", Category: request.CategoryElectricity}
	}
	return draft
}

// Requester opens new requests, posts notes on its own requests and now and
// then cancels one.
func Requester(ctx context.Context, svc *lifecycle.Service, actor auth.Actor, board *Board, ledger *Ledger, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	var own []string
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}

		switch n := rng.Intn(10); {
		case n < 3 || len(own) == 0:
			kind := request.Kinds[rng.Intn(len(request.Kinds))]
			proj, err := svc.Create(ctx, actor, NewDraft(rng, kind))
			if err == nil {
				own = append(own, proj.Request.ID)
				board.Add(proj.Request.ID)
			}
			if err := ledger.settle(ctx, err); err != nil {
				return fmt.Errorf("requester create: %w", err)
			}
		case n < 8:
			id := own[rng.Intn(len(own))]
			_, err := svc.AddUpdate(ctx, actor, id, "still needed")
			if err := ledger.settle(ctx, err); err != nil {
				return fmt.Errorf("requester note: %w", err)
			}
		default:
			id := own[rng.Intn(len(own))]
			_, err := svc.Transition(ctx, actor, lifecycle.TransitionParams{RequestID: id, Target: request.StatusCancelled})
			if err := ledger.settle(ctx, err); err != nil {
				return fmt.Errorf("requester cancel: %w", err)
			}
		}
		pause(rng, 10, 30)
	}
}

// Volunteer races for single-slot requests, applies to complaints and moves
// the requests it holds forward.
func Volunteer(ctx context.Context, eng *matching.Engine, svc *lifecycle.Service, actor auth.Actor, board *Board, ledger *Ledger, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		id, ok := board.Pick(rng)
		if !ok {
			pause(rng, 5, 10)
			continue
		}

		proj, err := svc.Get(ctx, actor, id)
		if err := ledger.settle(ctx, err); err != nil {
			return fmt.Errorf("volunteer get: %w", err)
		}
		if err != nil {
			continue
		}

		req := proj.Request
		switch {
		case req.IsCommittedVolunteer(actor.UserID):
			next := forward(req)
			if next != "" {
				_, err = svc.Transition(ctx, actor, lifecycle.TransitionParams{RequestID: id, Target: next, Message: "progress"})
			}
		case req.Kind().SingleSlot():
			_, err = eng.Volunteer(ctx, actor, id)
			if err == nil {
				ledger.recordCommit(id, actor.UserID)
			}
		default:
			_, err = eng.Apply(ctx, actor, matching.ApplyParams{RequestID: id, Message: "I can help", EstimatedTime: "1h"})
		}
		if err := ledger.settle(ctx, err); err != nil {
			return fmt.Errorf("volunteer on %s: %w", id, err)
		}
		pause(rng, 5, 20)
	}
}

// forward returns the non-cancel successor of the request's status, if any.
func forward(req request.ServiceRequest) request.Status {
	for _, to := range request.Statuses(req.Kind()) {
		if to != request.StatusCancelled && request.CanTransition(req.Kind(), req.Status, to) {
			return to
		}
	}
	return ""
}

// Assigner picks a pending applicant on complaints owned by actor.
func Assigner(ctx context.Context, eng *matching.Engine, svc *lifecycle.Service, actor auth.Actor, board *Board, ledger *Ledger, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		id, ok := board.Pick(rng)
		if !ok {
			pause(rng, 5, 10)
			continue
		}
		proj, err := svc.Get(ctx, actor, id)
		if err := ledger.settle(ctx, err); err != nil {
			return fmt.Errorf("assigner get: %w", err)
		}
		if err != nil || proj.Request.RequesterID != actor.UserID || proj.Request.Kind() != request.KindComplaint {
			pause(rng, 5, 10)
			continue
		}

		for _, app := range proj.Request.Applications {
			if app.Status != request.ApplicationPending {
				continue
			}
			_, err := eng.Assign(ctx, actor, matching.AssignParams{RequestID: id, VolunteerID: app.VolunteerID})
			if err == nil {
				ledger.recordCommit(id, app.VolunteerID)
			}
			if err := ledger.settle(ctx, err); err != nil {
				return fmt.Errorf("assigner on %s: %w", id, err)
			}
			break
		}
		pause(rng, 10, 30)
	}
}

// OutboxWorker marks outbox rows published in small batches using SKIP LOCKED
// so several workers never claim the same row.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	const claim = `
		UPDATE outbox SET published_at = NOW()
		WHERE id IN (
			SELECT id FROM outbox WHERE published_at IS NULL
			ORDER BY id FOR UPDATE SKIP LOCKED LIMIT 10)`
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		_, _ = pool.Exec(ctx, claim)
		time.Sleep(100 * time.Millisecond)
	}
}
