package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns queries that must come back empty on a healthy database.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_commitment_iff_held_status",
			SQL: `SELECT id, kind, status, committed_volunteer_id FROM service_requests
                  WHERE (committed_volunteer_id IS NOT NULL) <> (
                      (kind = 'blood'         AND status IN ('accepted','completed')) OR
                      (kind = 'elder_support' AND status IN ('accepted','in_progress','completed')) OR
                      (kind = 'complaint'     AND status IN ('assigned','in_progress','resolved','closed')))`,
		},
		{
			Name: "O2_status_in_kind_graph",
			SQL: `SELECT id, kind, status FROM service_requests
                  WHERE NOT (
                      (kind = 'blood'         AND status IN ('pending','accepted','completed','cancelled')) OR
                      (kind = 'elder_support' AND status IN ('pending','accepted','in_progress','completed','cancelled')) OR
                      (kind = 'complaint'     AND status IN ('open','assigned','in_progress','resolved','closed','cancelled')))`,
		},
		{
			Name: "O3_update_seq_contiguous",
			SQL: `SELECT request_id, seq, rn FROM (
                      SELECT request_id, seq,
                             ROW_NUMBER() OVER (PARTITION BY request_id ORDER BY seq) - 1 AS rn
                      FROM request_updates) s
                  WHERE seq <> rn`,
		},
		{
			Name: "O4_status_log_matches_row",
			SQL: `SELECT r.id, r.status, last.status_to FROM service_requests r
                  JOIN LATERAL (
                      SELECT status_to FROM request_updates u
                      WHERE u.request_id = r.id AND u.status_to IS NOT NULL
                      ORDER BY u.seq DESC LIMIT 1) last ON TRUE
                  WHERE last.status_to <> r.status`,
		},
		{
			Name: "O5_status_chain_unbroken",
			SQL: `SELECT request_id, seq, status_from, prev_to FROM (
                      SELECT request_id, seq, status_from,
                             LAG(status_to) OVER (PARTITION BY request_id ORDER BY seq) AS prev_to
                      FROM request_updates WHERE status_to IS NOT NULL) s
                  WHERE prev_to IS NOT NULL AND status_from <> prev_to`,
		},
		{
			Name: "O6_single_accepted_application",
			SQL: `SELECT request_id, COUNT(*) FROM request_applications
                  WHERE status = 'accepted'
                  GROUP BY request_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_accepted_application_is_commitment",
			SQL: `SELECT a.request_id, a.volunteer_id, r.committed_volunteer_id
                  FROM request_applications a JOIN service_requests r ON r.id = a.request_id
                  WHERE a.status = 'accepted' AND r.committed_volunteer_id IS DISTINCT FROM a.volunteer_id`,
		},
		{
			Name: "O8_applications_only_on_complaints",
			SQL: `SELECT a.request_id FROM request_applications a
                  JOIN service_requests r ON r.id = a.request_id
                  WHERE r.kind <> 'complaint'`,
		},
		{
			Name: "O9_no_self_commitment",
			SQL:  `SELECT id FROM service_requests WHERE committed_volunteer_id = requester_id`,
		},
		{
			Name: "O10_update_log_guard",
			SQL: `SELECT 'missing_append_only_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'request_updates_append_only')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text), or an empty name when all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
