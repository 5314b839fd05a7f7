package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os/exec"
	"testing"
	"time"

	"civicaid/auth"
	"civicaid/lifecycle"
	"civicaid/matching"
	"civicaid/request"
	"civicaid/test/actors"
	"civicaid/test/chaos"
	"civicaid/test/infra"
	"civicaid/test/oracles"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

var (
	flDuration    = flag.Duration("duration", 20*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent volunteers")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", true, "terminate random backends while running")
)

func TestRequestLifecycleConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in -short mode")
	}
	seed := *flSeed
	t.Logf("seed=%d", seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+90*time.Second)
	defer cancel()

	pgC, dsn, shared := startDatabase(t, ctx)
	defer pgC.Terminate(context.Background())

	pool, cleanup, err := infra.ApplyMigrations(ctx, dsn, int32(*flConcurrency*2+8), shared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := cleanup(context.Background()); err != nil {
			t.Logf("cleanup warning: %v", err)
		}
	}()

	store := request.NewPGStore(pool)
	svc := lifecycle.NewService(store, nil)
	eng := matching.NewEngine(store, nil)

	board := &actors.Board{}
	ledger := actors.NewLedger()
	requesters := []auth.Actor{
		{UserID: "requester-1", Role: auth.RoleCitizen},
		{UserID: "requester-2", Role: auth.RoleCitizen},
	}

	rng := rand.New(rand.NewSource(seed))
	for i := 0; i < 12; i++ {
		owner := requesters[i%len(requesters)]
		kind := request.Kinds[i%len(request.Kinds)]
		proj, err := svc.Create(ctx, owner, actors.NewDraft(rng, kind))
		if err != nil {
			t.Fatalf("seed request: %v", err)
		}
		board.Add(proj.Request.ID)
	}

	g, gctx := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i, owner := range requesters {
		owner, s := owner, seed+int64(i)
		g.Go(func() error { return actors.Requester(gctx, svc, owner, board, ledger, s, stop) })
		g.Go(func() error { return actors.Assigner(gctx, eng, svc, owner, board, ledger, s+100, stop) })
	}
	for i := 0; i < *flConcurrency; i++ {
		vol := auth.Actor{UserID: fmt.Sprintf("volunteer-%d", i), Role: auth.RoleVolunteer}
		s := seed + 1000 + int64(i)
		g.Go(func() error { return actors.Volunteer(gctx, eng, svc, vol, board, ledger, s, stop) })
	}
	g.Go(func() error { return actors.OutboxWorker(gctx, pool, stop) })
	if *flChaos {
		go chaos.TerminateRandomBackend(gctx, pool, time.Second, seed, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

loop:
	for time.Now().Before(deadline) {
		select {
		case <-gctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(gctx, pool)
			if err != nil {
				// Chaos may cut the oracle's own connection.
				t.Logf("oracle %s skipped: %v", name, err)
				continue
			}
			if name != "" {
				close(stop)
				dumpRecent(t, context.Background(), pool)
				t.Fatalf("oracle %s failed. first row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("actors errored: %v (seed=%d)", err, seed)
	}

	final := context.Background()
	name, row, err := oracles.Run(final, pool)
	if err != nil {
		t.Fatalf("final oracle run: %v", err)
	}
	if name != "" {
		dumpRecent(t, final, pool)
		t.Fatalf("oracle %s failed after run. first row: %s (seed=%d)", name, row, seed)
	}

	verifyLedger(t, final, store, ledger)
	t.Logf("requests=%d infra_errors=%d", len(board.IDs()), ledger.Infra.Load())
}

// verifyLedger checks that no request was ever handed to two volunteers and
// that a reported commit is what the store holds.
func verifyLedger(t *testing.T, ctx context.Context, store request.Store, ledger *actors.Ledger) {
	t.Helper()
	for id, volunteers := range ledger.Commits() {
		if len(volunteers) > 1 {
			t.Fatalf("request %s committed to %d volunteers: %v", id, len(volunteers), volunteers)
		}
		req, err := store.Get(ctx, id)
		if errors.Is(err, request.ErrNotFound) {
			continue
		}
		if err != nil {
			t.Fatalf("load %s: %v", id, err)
		}
		if req.Status == request.StatusCancelled {
			continue
		}
		if req.Commitment == nil || req.Commitment.VolunteerID != volunteers[0] {
			t.Fatalf("request %s: ledger says %s, store holds %+v", id, volunteers[0], req.Commitment)
		}
	}
}

// startDatabase prefers an explicit DSN, then Docker, then a local server,
// and skips when none is reachable. shared reports whether the database is
// reused and needs schema isolation.
func startDatabase(t *testing.T, ctx context.Context) (*infra.PGContainer, string, bool) {
	t.Helper()
	if *flDSN != "" {
		pgC, dsn, err := infra.StartPostgres(ctx, *flDSN)
		if err != nil {
			t.Fatalf("postgres: %v", err)
		}
		return pgC, dsn, true
	}
	if dockerAvailable(ctx) {
		pgC, dsn, err := infra.StartPostgres(ctx, "")
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
		return pgC, dsn, pgC.C == nil
	}
	dsn, err := infra.InitLocalDatabase(ctx)
	if errors.Is(err, infra.ErrNoLocalPostgres) {
		t.Skip("no Docker and no local Postgres; skipping stress test")
	}
	if err != nil {
		t.Fatalf("init local database: %v", err)
	}
	return &infra.PGContainer{}, dsn, false
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	dumps := []struct {
		name string
		sql  string
	}{
		{"service_requests", `SELECT id, kind, status, committed_volunteer_id, updated_at FROM service_requests ORDER BY updated_at DESC LIMIT 30`},
		{"request_updates", `SELECT request_id, seq, author_id, status_from, status_to FROM request_updates ORDER BY created_at DESC LIMIT 50`},
		{"request_applications", `SELECT request_id, volunteer_id, status FROM request_applications ORDER BY applied_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, published_at FROM outbox ORDER BY id DESC LIMIT 30`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			line := make([]any, 0, len(vals))
			for i := range vals {
				line = append(line, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%v", line)
		}
		rows.Close()
	}
}
