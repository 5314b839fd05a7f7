package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"civicaid/auth"
	"civicaid/classify"
	"civicaid/disclosure"
	"civicaid/intake"
	"civicaid/lifecycle"
	"civicaid/matching"
	"civicaid/request"
	"civicaid/utterance"
)

var (
	citizen    = auth.Actor{UserID: "citizen-1", Role: auth.RoleCitizen}
	volunteerA = auth.Actor{UserID: "vol-a", Role: auth.RoleVolunteer}
	volunteerB = auth.Actor{UserID: "vol-b", Role: auth.RoleVolunteer}
	stranger   = auth.Actor{UserID: "stranger", Role: auth.RoleCitizen}
)

const bloodBody = `{"kind":"blood","requesterName":"Amara","description":"Need blood for surgery",
	"location":{"address":{"city":"Kampala"}},"contact":{"phone":"+256700000000"},
	"bloodType":"O+","unitsNeeded":2}`

const complaintBody = `{"kind":"complaint","description":"Streetlight out on Main St",
	"location":{"address":{"city":"Kampala"}},"contact":{"email":"amara@example.com"},
	"title":"Streetlight out","category":"electricity","priority":"high"}`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := request.NewMemoryStore()
	requests := lifecycle.NewService(store, nil)
	return &Server{
		authService: auth.NewService(auth.NewMemoryRepository(), "test-secret"),
		requests:    requests,
		matching:    matching.NewEngine(store, nil),
		intake:      intake.NewService(classify.New(nil, nil, nil), requests, nil),
	}
}

func call(t *testing.T, h http.HandlerFunc, method, target string, actor auth.Actor, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	if actor.UserID != "" {
		req = req.WithContext(withActor(req.Context(), actor))
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func expectCode(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	expectStatus(t, rec, status)
	if got := decode[errorResponse](t, rec).Code; got != code {
		t.Fatalf("expected code %q, got %q", code, got)
	}
}

func createRequest(t *testing.T, s *Server, actor auth.Actor, body string) requestResponse {
	t.Helper()
	rec := call(t, s.handleRequests, http.MethodPost, "/api/requests", actor, body)
	expectStatus(t, rec, http.StatusCreated)
	return decode[requestResponse](t, rec)
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)
	expectStatus(t, call(t, s.handleHealth, http.MethodGet, "/health", auth.Actor{}, ""), http.StatusOK)
	expectStatus(t, call(t, s.handleHealth, http.MethodPost, "/health", auth.Actor{}, ""), http.StatusMethodNotAllowed)
}

func TestRoutes_RegisterLoginAndBearerAuth(t *testing.T) {
	s := newTestServer(t)
	h := s.routes()

	do := func(method, path, token, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := do(http.MethodPost, "/api/auth/register", "", `{"email":"amara@example.com","password":"strongpassword","full_name":"Amara"}`)
	expectStatus(t, rec, http.StatusCreated)
	registered := decode[authResponse](t, rec)
	if registered.Token == "" || registered.User.Role != string(auth.RoleCitizen) {
		t.Fatalf("unexpected register payload: %+v", registered)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}

	expectCode(t, do(http.MethodPost, "/api/auth/register", "", `{"email":"amara@example.com","password":"strongpassword","full_name":"Amara"}`),
		http.StatusConflict, "duplicate_email")
	expectCode(t, do(http.MethodPost, "/api/auth/register", "", `{"email":"root@example.com","password":"strongpassword","full_name":"Root","role":"admin"}`),
		http.StatusForbidden, "forbidden")
	expectCode(t, do(http.MethodPost, "/api/auth/register", "", `{"email":"weak@example.com","password":"short","full_name":"Weak"}`),
		http.StatusBadRequest, "weak_password")

	expectCode(t, do(http.MethodPost, "/api/auth/login", "", `{"email":"amara@example.com","password":"wrong-password"}`),
		http.StatusUnauthorized, "invalid_credentials")
	rec = do(http.MethodPost, "/api/auth/login", "", `{"email":"amara@example.com","password":"strongpassword"}`)
	expectStatus(t, rec, http.StatusOK)
	token := decode[authResponse](t, rec).Token

	expectStatus(t, do(http.MethodGet, "/api/requests", "", ""), http.StatusUnauthorized)
	expectStatus(t, do(http.MethodGet, "/api/requests", "not-a-token", ""), http.StatusUnauthorized)

	rec = do(http.MethodPost, "/api/requests", token, bloodBody)
	expectStatus(t, rec, http.StatusCreated)
	created := decode[requestResponse](t, rec)
	if created.RequesterID != registered.User.ID {
		t.Fatalf("expected requester %s, got %s", registered.User.ID, created.RequesterID)
	}

	rec = do(http.MethodGet, "/api/requests/"+created.ID, token, "")
	expectStatus(t, rec, http.StatusOK)
}

func TestHandleCreateRequest_Defaults(t *testing.T) {
	s := newTestServer(t)

	created := createRequest(t, s, citizen, bloodBody)
	if created.Kind != "blood" || created.Status != "pending" || created.Priority != "medium" {
		t.Fatalf("unexpected request: %+v", created)
	}
	if created.BloodType != "O+" || created.UnitsNeeded != 2 {
		t.Fatalf("unexpected blood details: %+v", created)
	}
	if !created.ContactVisible || created.Contact.Phone != "+256700000000" {
		t.Fatalf("requester should see own contact: %+v", created.Contact)
	}
	if created.Commitment != nil || len(created.Updates) != 0 {
		t.Fatalf("new request should have no commitment or updates: %+v", created)
	}
}

func TestHandleCreateRequest_ValidationErrors(t *testing.T) {
	s := newTestServer(t)

	cases := map[string]string{
		"unknown kind":        `{"kind":"ride","description":"x","location":{"address":{"city":"Kampala"}},"contact":{"phone":"1"}}`,
		"bad blood type":      `{"kind":"blood","bloodType":"C+","description":"x","location":{"address":{"city":"Kampala"}},"contact":{"phone":"1"}}`,
		"missing contact":     `{"kind":"blood","bloodType":"A-","description":"x","location":{"address":{"city":"Kampala"}}}`,
		"missing city":        `{"kind":"blood","bloodType":"A-","description":"x","contact":{"phone":"1"}}`,
		"bad priority":        `{"kind":"complaint","title":"t","priority":"whenever","description":"x","location":{"address":{"city":"Kampala"}},"contact":{"phone":"1"}}`,
		"missing serviceType": `{"kind":"elder_support","description":"x","location":{"address":{"city":"Kampala"}},"contact":{"phone":"1"}}`,
		"malformed json":      `{"kind":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := call(t, s.handleRequests, http.MethodPost, "/api/requests", citizen, body)
			expectCode(t, rec, http.StatusBadRequest, "validation_error")
		})
	}
}

func TestHandleGetRequest_MasksContactForStrangers(t *testing.T) {
	s := newTestServer(t)
	created := createRequest(t, s, citizen, bloodBody)

	rec := call(t, s.handleRequestDetail, http.MethodGet, "/api/requests/"+created.ID, stranger, "")
	expectStatus(t, rec, http.StatusOK)
	got := decode[requestResponse](t, rec)
	if got.ContactVisible {
		t.Fatalf("stranger must not see contact")
	}
	if got.Contact.Phone != disclosure.Hidden || got.Contact.Email != disclosure.Hidden || got.RequesterName != disclosure.Hidden {
		t.Fatalf("expected masked fields, got %+v / %q", got.Contact, got.RequesterName)
	}

	expectCode(t, call(t, s.handleRequestDetail, http.MethodGet, "/api/requests/missing", citizen, ""),
		http.StatusNotFound, "not_found")
}

func TestHandleVolunteer_SingleSlot(t *testing.T) {
	s := newTestServer(t)
	created := createRequest(t, s, citizen, bloodBody)
	path := "/api/requests/" + created.ID + "/volunteer"

	rec := call(t, s.handleRequestDetail, http.MethodPost, path, volunteerA, "")
	expectStatus(t, rec, http.StatusOK)
	got := decode[requestResponse](t, rec)
	if got.Status != "accepted" || got.Commitment == nil || got.Commitment.VolunteerID != volunteerA.UserID {
		t.Fatalf("unexpected commit result: %+v", got)
	}
	if !got.ContactVisible || got.Contact.Phone != "+256700000000" {
		t.Fatalf("committed volunteer should see contact: %+v", got.Contact)
	}
	if len(got.Updates) != 1 || got.Updates[0].StatusFrom != "pending" || got.Updates[0].StatusTo != "accepted" {
		t.Fatalf("expected one status update, got %+v", got.Updates)
	}

	expectCode(t, call(t, s.handleRequestDetail, http.MethodPost, path, volunteerB, ""),
		http.StatusConflict, "already_committed")
	expectCode(t, call(t, s.handleRequestDetail, http.MethodPost, path, stranger, ""),
		http.StatusForbidden, "forbidden")

	own := createRequest(t, s, volunteerA, bloodBody)
	expectCode(t, call(t, s.handleRequestDetail, http.MethodPost, "/api/requests/"+own.ID+"/volunteer", volunteerA, ""),
		http.StatusForbidden, "self_commit_forbidden")
}

func TestHandleComplaint_ApplyAndAssign(t *testing.T) {
	s := newTestServer(t)
	created := createRequest(t, s, citizen, complaintBody)
	if created.Status != "open" || created.Category != "electricity" || created.Priority != "high" {
		t.Fatalf("unexpected complaint: %+v", created)
	}
	base := "/api/requests/" + created.ID

	expectStatus(t, call(t, s.handleRequestDetail, http.MethodPost, base+"/applications", volunteerA,
		`{"message":"I can fix it","estimatedTime":"2h"}`), http.StatusCreated)
	expectStatus(t, call(t, s.handleRequestDetail, http.MethodPost, base+"/applications", volunteerB, `{}`), http.StatusCreated)
	expectCode(t, call(t, s.handleRequestDetail, http.MethodPost, base+"/applications", volunteerA, `{}`),
		http.StatusConflict, "duplicate_application")
	expectCode(t, call(t, s.handleRequestDetail, http.MethodPost, base+"/volunteer", volunteerA, ""),
		http.StatusConflict, "invalid_transition")

	expectCode(t, call(t, s.handleRequestDetail, http.MethodPost, base+"/assign", volunteerA, `{"volunteerId":"vol-b"}`),
		http.StatusForbidden, "forbidden")
	expectCode(t, call(t, s.handleRequestDetail, http.MethodPost, base+"/assign", citizen, `{"volunteerId":"nobody"}`),
		http.StatusNotFound, "not_found")

	rec := call(t, s.handleRequestDetail, http.MethodPost, base+"/assign", citizen, `{"volunteerId":"vol-b"}`)
	expectStatus(t, rec, http.StatusOK)
	got := decode[requestResponse](t, rec)
	if got.Status != "assigned" || got.Commitment == nil || got.Commitment.VolunteerID != "vol-b" {
		t.Fatalf("unexpected assign result: %+v", got)
	}
	statuses := map[string]string{}
	for _, app := range got.Applications {
		statuses[app.VolunteerID] = app.Status
	}
	if statuses["vol-a"] != "rejected" || statuses["vol-b"] != "accepted" {
		t.Fatalf("unexpected application statuses: %v", statuses)
	}

	rec = call(t, s.handleRequestDetail, http.MethodPost, base+"/transitions", volunteerB, `{"status":"in_progress","message":"on my way"}`)
	expectStatus(t, rec, http.StatusOK)
	if got := decode[requestResponse](t, rec); got.Status != "in_progress" {
		t.Fatalf("expected in_progress, got %s", got.Status)
	}
}

func TestHandleTransition(t *testing.T) {
	s := newTestServer(t)
	created := createRequest(t, s, citizen, bloodBody)
	path := "/api/requests/" + created.ID + "/transitions"

	expectCode(t, call(t, s.handleRequestDetail, http.MethodPost, path, citizen, `{"status":"accepted"}`),
		http.StatusConflict, "invalid_transition")
	expectCode(t, call(t, s.handleRequestDetail, http.MethodPost, path, citizen, `{"status":"completed"}`),
		http.StatusConflict, "invalid_transition")
	expectCode(t, call(t, s.handleRequestDetail, http.MethodPost, path, citizen, `{}`),
		http.StatusBadRequest, "validation_error")
	expectCode(t, call(t, s.handleRequestDetail, http.MethodPost, path, stranger, `{"status":"cancelled"}`),
		http.StatusForbidden, "forbidden")

	rec := call(t, s.handleRequestDetail, http.MethodPost, path, citizen, `{"status":"cancelled","message":"found a donor"}`)
	expectStatus(t, rec, http.StatusOK)
	got := decode[requestResponse](t, rec)
	if got.Status != "cancelled" || len(got.Updates) != 1 || got.Updates[0].Message != "found a donor" {
		t.Fatalf("unexpected cancel result: %+v", got)
	}
}

func TestHandleAddUpdateAndDelete(t *testing.T) {
	s := newTestServer(t)
	created := createRequest(t, s, citizen, bloodBody)
	base := "/api/requests/" + created.ID

	rec := call(t, s.handleRequestDetail, http.MethodPost, base+"/updates", citizen, `{"message":"still needed"}`)
	expectStatus(t, rec, http.StatusCreated)
	if got := decode[requestResponse](t, rec); len(got.Updates) != 1 || got.Updates[0].StatusTo != "" {
		t.Fatalf("expected one note update, got %+v", got.Updates)
	}
	expectCode(t, call(t, s.handleRequestDetail, http.MethodPost, base+"/updates", stranger, `{"message":"hi"}`),
		http.StatusForbidden, "forbidden")

	expectCode(t, call(t, s.handleRequestDetail, http.MethodDelete, base, stranger, ""), http.StatusForbidden, "forbidden")
	expectStatus(t, call(t, s.handleRequestDetail, http.MethodDelete, base, citizen, ""), http.StatusNoContent)
	expectStatus(t, call(t, s.handleRequestDetail, http.MethodGet, base, citizen, ""), http.StatusNotFound)
}

func TestHandleRequestDetail_Routing(t *testing.T) {
	s := newTestServer(t)
	created := createRequest(t, s, citizen, bloodBody)

	expectStatus(t, call(t, s.handleRequestDetail, http.MethodGet, "/api/requests/", citizen, ""), http.StatusBadRequest)
	expectStatus(t, call(t, s.handleRequestDetail, http.MethodGet, "/api/requests/a/b/c", citizen, ""), http.StatusBadRequest)
	expectStatus(t, call(t, s.handleRequestDetail, http.MethodPost, "/api/requests/"+created.ID+"/rate", citizen, ""), http.StatusNotFound)
	expectStatus(t, call(t, s.handleRequestDetail, http.MethodGet, "/api/requests/"+created.ID+"/volunteer", volunteerA, ""), http.StatusMethodNotAllowed)
	expectStatus(t, call(t, s.handleRequestDetail, http.MethodPut, "/api/requests/"+created.ID, citizen, ""), http.StatusMethodNotAllowed)
}

func TestHandleListRequests(t *testing.T) {
	s := newTestServer(t)
	createRequest(t, s, citizen, bloodBody)
	createRequest(t, s, citizen, bloodBody)
	createRequest(t, s, citizen, complaintBody)

	rec := call(t, s.handleRequests, http.MethodGet, "/api/requests?kind=blood&pageSize=1", stranger, "")
	expectStatus(t, rec, http.StatusOK)
	payload := decode[requestListResponse](t, rec)
	if payload.Total != 2 || len(payload.Items) != 1 {
		t.Fatalf("unexpected page: total=%d items=%d", payload.Total, len(payload.Items))
	}
	if payload.Items[0].Contact.Phone != disclosure.Hidden {
		t.Fatalf("list must mask contact for strangers: %+v", payload.Items[0].Contact)
	}

	expectCode(t, call(t, s.handleRequests, http.MethodGet, "/api/requests?pageSize=abc", citizen, ""),
		http.StatusBadRequest, "validation_error")
	expectCode(t, call(t, s.handleRequests, http.MethodGet, "/api/requests?kind=ride", citizen, ""),
		http.StatusBadRequest, "validation_error")
	expectStatus(t, call(t, s.handleRequests, http.MethodPatch, "/api/requests", citizen, ""), http.StatusMethodNotAllowed)
}

func TestHandleIntake(t *testing.T) {
	s := newTestServer(t)
	user, err := s.authService.Register(t.Context(), auth.RegisterRequest{
		Email:    "amara@example.com",
		Password: "strongpassword",
		FullName: "Amara",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	actor := user.Actor()

	body := `{"text":"  need o positive bload urgently ","location":{"address":{"city":"Kampala"}}}`
	rec := call(t, s.handleIntake, http.MethodPost, "/api/intake", actor, body)
	expectStatus(t, rec, http.StatusCreated)
	got := decode[intakeResponse](t, rec)
	if got.Utterance.Text != "Need O positive blood urgently." {
		t.Fatalf("unexpected normalized text %q", got.Utterance.Text)
	}
	if got.Classification.Category != "blood" || got.Classification.Source != string(classify.SourceFallback) {
		t.Fatalf("unexpected classification: %+v", got.Classification)
	}
	if got.Request == nil || got.Request.BloodType != "O+" || got.Request.Priority != "urgent" {
		t.Fatalf("unexpected request: %+v", got.Request)
	}
	if got.Request.RequesterName != "Amara" || got.Request.Contact.Email != "amara@example.com" {
		t.Fatalf("expected profile defaults, got %q / %+v", got.Request.RequesterName, got.Request.Contact)
	}

	rec = call(t, s.handleIntake, http.MethodPost, "/api/intake", actor, `{"text":"what can you do"}`)
	expectStatus(t, rec, http.StatusOK)
	if got := decode[intakeResponse](t, rec); got.Request != nil || got.Classification.Category != "general_inquiry" {
		t.Fatalf("general inquiry should create nothing: %+v", got)
	}

	expectCode(t, call(t, s.handleIntake, http.MethodPost, "/api/intake", actor, `{"text":"   "}`),
		http.StatusBadRequest, "empty_utterance")
	expectStatus(t, call(t, s.handleIntake, http.MethodGet, "/api/intake", actor, ""), http.StatusMethodNotAllowed)
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: city required", request.ErrValidation), http.StatusBadRequest, "validation_error"},
		{utterance.ErrEmptyUtterance, http.StatusBadRequest, "empty_utterance"},
		{request.ErrNotFound, http.StatusNotFound, "not_found"},
		{request.ErrForbidden, http.StatusForbidden, "forbidden"},
		{request.ErrSelfCommitForbidden, http.StatusForbidden, "self_commit_forbidden"},
		{request.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
		{request.ErrAlreadyCommitted, http.StatusConflict, "already_committed"},
		{request.ErrDuplicateApplication, http.StatusConflict, "duplicate_application"},
		{errors.New("connection reset"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		status, code := statusForError(tc.err)
		if status != tc.status || code != tc.code {
			t.Fatalf("%v: expected %d/%s, got %d/%s", tc.err, tc.status, tc.code, status, code)
		}
	}
}
