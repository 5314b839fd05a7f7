package request

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the Postgres store needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// queryer is satisfied by both DB and pgx.Tx.
type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGStore persists requests in Postgres. Writers serialize on the request row
// lock taken by SELECT ... FOR UPDATE; every write of one Update lands in a
// single transaction together with its outbox message.
type PGStore struct {
	db DB
}

func NewPGStore(db DB) *PGStore {
	return &PGStore{db: db}
}

const selectRequestSQL = `
SELECT r.id::text, r.requester_id, r.requester_name, r.kind, r.status, r.description,
       r.details, r.location, r.contact, r.committed_volunteer_id, r.committed_at,
       r.created_at, r.updated_at,
       COALESCE((
           SELECT json_agg(json_build_object(
                      'volunteer_id', a.volunteer_id,
                      'message', a.message,
                      'estimated_time', a.estimated_time,
                      'applied_at', a.applied_at,
                      'status', a.status) ORDER BY a.seq)
           FROM request_applications a WHERE a.request_id = r.id), '[]'::json),
       COALESCE((
           SELECT json_agg(json_build_object(
                      'author_id', u.author_id,
                      'message', u.message,
                      'created_at', u.created_at,
                      'status_from', u.status_from,
                      'status_to', u.status_to) ORDER BY u.seq)
           FROM request_updates u WHERE u.request_id = r.id), '[]'::json)
FROM service_requests r`

func (s *PGStore) Insert(ctx context.Context, req ServiceRequest) (ServiceRequest, error) {
	if err := req.CheckInvariants(); err != nil {
		return ServiceRequest{}, err
	}
	row, err := encodeRequest(req)
	if err != nil {
		return ServiceRequest{}, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return ServiceRequest{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
		INSERT INTO service_requests (id, requester_id, requester_name, kind, status, priority, description,
			details, location, contact, committed_volunteer_id, committed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err = tx.Exec(ctx, insertSQL,
		req.ID, req.RequesterID, req.RequesterName, req.Kind(), req.Status, req.Priority(), req.Description,
		row.details, row.location, row.contact, row.volunteerID, row.committedAt, req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ServiceRequest{}, fmt.Errorf("%w: %s", ErrDuplicateID, req.ID)
		}
		return ServiceRequest{}, fmt.Errorf("request: insert: %w", err)
	}

	empty := ServiceRequest{}
	if err := writeChildren(ctx, tx, empty, req); err != nil {
		return ServiceRequest{}, err
	}
	if err := enqueueOutbox(ctx, tx, "request.created", map[string]any{
		"request_id":   req.ID,
		"kind":         req.Kind(),
		"status":       req.Status,
		"priority":     req.Priority(),
		"requester_id": req.RequesterID,
	}); err != nil {
		return ServiceRequest{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ServiceRequest{}, fmt.Errorf("request: commit insert: %w", err)
	}
	return req.Clone(), nil
}

func (s *PGStore) Get(ctx context.Context, id string) (ServiceRequest, error) {
	return loadRequest(ctx, s.db, id)
}

func (s *PGStore) List(ctx context.Context, filter Filter) ([]ServiceRequest, int, error) {
	filter = filter.normalized()

	where := []string{"1=1"}
	args := []any{}
	if filter.Kind != "" {
		where = append(where, fmt.Sprintf("r.kind=$%d", len(args)+1))
		args = append(args, filter.Kind)
	}
	if filter.Status != "" {
		where = append(where, fmt.Sprintf("r.status=$%d", len(args)+1))
		args = append(args, filter.Status)
	}
	if filter.RequesterID != "" {
		where = append(where, fmt.Sprintf("r.requester_id=$%d", len(args)+1))
		args = append(args, filter.RequesterID)
	}
	if filter.VolunteerID != "" {
		n := len(args) + 1
		where = append(where, fmt.Sprintf(
			"(r.committed_volunteer_id=$%d OR EXISTS (SELECT 1 FROM request_applications a WHERE a.request_id=r.id AND a.volunteer_id=$%d))", n, n))
		args = append(args, filter.VolunteerID)
	}
	whereClause := " WHERE " + strings.Join(where, " AND ")

	offset := (filter.Page - 1) * filter.PageSize
	query := fmt.Sprintf(`%s%s ORDER BY r.created_at DESC, r.id ASC LIMIT %d OFFSET %d`,
		selectRequestSQL, whereClause, filter.PageSize, offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("request: query list: %w", err)
	}
	defer rows.Close()

	list := []ServiceRequest{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, req)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("request: iterate list: %w", err)
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM service_requests r" + whereClause
	if err := s.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("request: count list: %w", err)
	}
	return list, total, nil
}

// Update locks the request row, applies fn to a copy and writes back the
// difference. Concurrent writers to the same id block on the row lock and then
// observe the committed result.
func (s *PGStore) Update(ctx context.Context, id string, fn MutateFunc) (ServiceRequest, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return ServiceRequest{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked string
	err = tx.QueryRow(ctx, `SELECT id::text FROM service_requests WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
			return ServiceRequest{}, ErrNotFound
		}
		return ServiceRequest{}, fmt.Errorf("request: lock row: %w", err)
	}

	current, err := loadRequest(ctx, tx, id)
	if err != nil {
		return ServiceRequest{}, err
	}

	work := current.Clone()
	if err := fn(&work); err != nil {
		return ServiceRequest{}, err
	}
	if err := checkMutation(current, work); err != nil {
		return ServiceRequest{}, err
	}
	if err := work.CheckInvariants(); err != nil {
		return ServiceRequest{}, err
	}

	row, err := encodeRequest(work)
	if err != nil {
		return ServiceRequest{}, err
	}
	const updateSQL = `
		UPDATE service_requests
		SET requester_name = $2,
		    status = $3,
		    priority = $4,
		    description = $5,
		    details = $6,
		    location = $7,
		    contact = $8,
		    committed_volunteer_id = $9,
		    committed_at = $10,
		    updated_at = $11
		WHERE id = $1`
	if _, err := tx.Exec(ctx, updateSQL,
		id, work.RequesterName, work.Status, work.Priority(), work.Description,
		row.details, row.location, row.contact, row.volunteerID, row.committedAt, work.UpdatedAt,
	); err != nil {
		return ServiceRequest{}, fmt.Errorf("request: update row: %w", err)
	}

	if err := writeChildren(ctx, tx, current, work); err != nil {
		return ServiceRequest{}, err
	}

	if work.Status != current.Status {
		payload := map[string]any{
			"request_id": work.ID,
			"kind":       work.Kind(),
			"from":       current.Status,
			"to":         work.Status,
		}
		if work.Commitment != nil {
			payload["volunteer_id"] = work.Commitment.VolunteerID
		}
		if err := enqueueOutbox(ctx, tx, "request.status_changed", payload); err != nil {
			return ServiceRequest{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ServiceRequest{}, fmt.Errorf("request: commit update: %w", err)
	}
	return work, nil
}

func (s *PGStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM service_requests WHERE id = $1`, id)
	if err != nil {
		if isInvalidUUID(err) {
			return ErrNotFound
		}
		return fmt.Errorf("request: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// writeChildren persists applications and updates present in next but not in
// prev, plus application status changes. Rejections are written before the
// acceptance so the partial unique index on accepted rows never sees two.
func writeChildren(ctx context.Context, tx pgx.Tx, prev, next ServiceRequest) error {
	const setStatusSQL = `UPDATE request_applications SET status = $3 WHERE request_id = $1 AND volunteer_id = $2`
	for pass := 0; pass < 2; pass++ {
		for i := range prev.Applications {
			app := next.Applications[i]
			if app.Status == prev.Applications[i].Status {
				continue
			}
			if (app.Status == ApplicationAccepted) != (pass == 1) {
				continue
			}
			if _, err := tx.Exec(ctx, setStatusSQL, next.ID, app.VolunteerID, app.Status); err != nil {
				return fmt.Errorf("request: update application status: %w", err)
			}
		}
	}

	const insertAppSQL = `
		INSERT INTO request_applications (request_id, volunteer_id, seq, message, estimated_time, applied_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	for i := len(prev.Applications); i < len(next.Applications); i++ {
		app := next.Applications[i]
		if _, err := tx.Exec(ctx, insertAppSQL, next.ID, app.VolunteerID, i, app.Message, app.EstimatedTime, app.AppliedAt, app.Status); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return ErrDuplicateApplication
			}
			return fmt.Errorf("request: insert application: %w", err)
		}
	}

	const insertUpdateSQL = `
		INSERT INTO request_updates (request_id, seq, author_id, message, status_from, status_to, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	for i := len(prev.Updates); i < len(next.Updates); i++ {
		u := next.Updates[i]
		var from, to *Status
		if u.StatusChange != nil {
			from, to = &u.StatusChange.From, &u.StatusChange.To
		}
		if _, err := tx.Exec(ctx, insertUpdateSQL, next.ID, i, u.AuthorID, u.Message, from, to, u.Timestamp); err != nil {
			return fmt.Errorf("request: append update: %w", err)
		}
	}
	return nil
}

func enqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("request: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("request: enqueue outbox: %w", err)
	}
	return nil
}

// isInvalidUUID reports a malformed id, which can never name a stored request.
func isInvalidUUID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}

func loadRequest(ctx context.Context, q queryer, id string) (ServiceRequest, error) {
	req, err := scanRequest(q.QueryRow(ctx, selectRequestSQL+` WHERE r.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
			return ServiceRequest{}, ErrNotFound
		}
		return ServiceRequest{}, fmt.Errorf("request: load: %w", err)
	}
	return req, nil
}

type encodedRow struct {
	details     []byte
	location    []byte
	contact     []byte
	volunteerID *string
	committedAt *time.Time
}

type detailsRecord struct {
	BloodType    BloodType         `json:"blood_type,omitempty"`
	UnitsNeeded  int               `json:"units_needed,omitempty"`
	Hospital     string            `json:"hospital,omitempty"`
	ServiceType  string            `json:"service_type,omitempty"`
	Notes        string            `json:"notes,omitempty"`
	Title        string            `json:"title,omitempty"`
	Category     ComplaintCategory `json:"category,omitempty"`
	UrgencyLevel Priority          `json:"urgency_level,omitempty"`
	Priority     Priority          `json:"priority,omitempty"`
}

type locationRecord struct {
	Street     string   `json:"street"`
	City       string   `json:"city"`
	State      string   `json:"state"`
	PostalCode string   `json:"postal_code"`
	Lat        *float64 `json:"lat,omitempty"`
	Lon        *float64 `json:"lon,omitempty"`
}

type contactRecord struct {
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

type applicationRecord struct {
	VolunteerID   string            `json:"volunteer_id"`
	Message       string            `json:"message"`
	EstimatedTime string            `json:"estimated_time"`
	AppliedAt     time.Time         `json:"applied_at"`
	Status        ApplicationStatus `json:"status"`
}

type updateRecord struct {
	AuthorID   string    `json:"author_id"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
	StatusFrom *Status   `json:"status_from"`
	StatusTo   *Status   `json:"status_to"`
}

func encodeRequest(req ServiceRequest) (encodedRow, error) {
	var d detailsRecord
	switch v := req.Details.(type) {
	case BloodDetails:
		d = detailsRecord{BloodType: v.BloodType, UnitsNeeded: v.UnitsNeeded, Hospital: v.Hospital, UrgencyLevel: v.UrgencyLevel}
	case ElderSupportDetails:
		d = detailsRecord{ServiceType: v.ServiceType, Notes: v.Notes, UrgencyLevel: v.UrgencyLevel}
	case ComplaintDetails:
		d = detailsRecord{Title: v.Title, Category: v.Category, Priority: v.Priority}
	default:
		return encodedRow{}, fmt.Errorf("%w: unknown details %T", ErrInvariant, req.Details)
	}

	loc := locationRecord{
		Street:     req.Location.Address.Street,
		City:       req.Location.Address.City,
		State:      req.Location.Address.State,
		PostalCode: req.Location.Address.PostalCode,
	}
	if c := req.Location.Coordinates; c != nil {
		loc.Lat, loc.Lon = &c.Lat, &c.Lon
	}

	var out encodedRow
	var err error
	if out.details, err = json.Marshal(d); err != nil {
		return encodedRow{}, fmt.Errorf("request: marshal details: %w", err)
	}
	if out.location, err = json.Marshal(loc); err != nil {
		return encodedRow{}, fmt.Errorf("request: marshal location: %w", err)
	}
	if out.contact, err = json.Marshal(contactRecord{Phone: req.Contact.Phone, Email: req.Contact.Email}); err != nil {
		return encodedRow{}, fmt.Errorf("request: marshal contact: %w", err)
	}
	if req.Commitment != nil {
		volunteer, at := req.Commitment.VolunteerID, req.Commitment.At
		out.volunteerID, out.committedAt = &volunteer, &at
	}
	return out, nil
}

func scanRequest(row pgx.Row) (ServiceRequest, error) {
	var (
		req                                       ServiceRequest
		kind                                      Kind
		details, location, contact, apps, updates []byte
		volunteerID                               *string
		committedAt                               *time.Time
	)
	if err := row.Scan(
		&req.ID,
		&req.RequesterID,
		&req.RequesterName,
		&kind,
		&req.Status,
		&req.Description,
		&details,
		&location,
		&contact,
		&volunteerID,
		&committedAt,
		&req.CreatedAt,
		&req.UpdatedAt,
		&apps,
		&updates,
	); err != nil {
		return ServiceRequest{}, err
	}

	var d detailsRecord
	if err := json.Unmarshal(details, &d); err != nil {
		return ServiceRequest{}, fmt.Errorf("request: decode details: %w", err)
	}
	switch kind {
	case KindBlood:
		req.Details = BloodDetails{BloodType: d.BloodType, UrgencyLevel: d.UrgencyLevel, UnitsNeeded: d.UnitsNeeded, Hospital: d.Hospital}
	case KindElderSupport:
		req.Details = ElderSupportDetails{ServiceType: d.ServiceType, UrgencyLevel: d.UrgencyLevel, Notes: d.Notes}
	case KindComplaint:
		req.Details = ComplaintDetails{Title: d.Title, Category: d.Category, Priority: d.Priority}
	default:
		return ServiceRequest{}, fmt.Errorf("request: decode: unknown kind %q", kind)
	}

	var loc locationRecord
	if err := json.Unmarshal(location, &loc); err != nil {
		return ServiceRequest{}, fmt.Errorf("request: decode location: %w", err)
	}
	req.Location.Address = Address{Street: loc.Street, City: loc.City, State: loc.State, PostalCode: loc.PostalCode}
	if loc.Lat != nil && loc.Lon != nil {
		req.Location.Coordinates = &Coordinates{Lat: *loc.Lat, Lon: *loc.Lon}
	}

	var c contactRecord
	if err := json.Unmarshal(contact, &c); err != nil {
		return ServiceRequest{}, fmt.Errorf("request: decode contact: %w", err)
	}
	req.Contact = Contact{Phone: c.Phone, Email: c.Email}

	if volunteerID != nil && committedAt != nil {
		req.Commitment = &Commitment{VolunteerID: *volunteerID, At: *committedAt}
	}

	var appRecords []applicationRecord
	if err := json.Unmarshal(apps, &appRecords); err != nil {
		return ServiceRequest{}, fmt.Errorf("request: decode applications: %w", err)
	}
	for _, a := range appRecords {
		req.Applications = append(req.Applications, Application{
			VolunteerID:   a.VolunteerID,
			Message:       a.Message,
			EstimatedTime: a.EstimatedTime,
			AppliedAt:     a.AppliedAt,
			Status:        a.Status,
		})
	}

	var updateRecords []updateRecord
	if err := json.Unmarshal(updates, &updateRecords); err != nil {
		return ServiceRequest{}, fmt.Errorf("request: decode updates: %w", err)
	}
	for _, u := range updateRecords {
		update := Update{AuthorID: u.AuthorID, Message: u.Message, Timestamp: u.CreatedAt}
		if u.StatusFrom != nil && u.StatusTo != nil {
			update.StatusChange = &StatusChange{From: *u.StatusFrom, To: *u.StatusTo}
		}
		req.Updates = append(req.Updates, update)
	}
	return req, nil
}
