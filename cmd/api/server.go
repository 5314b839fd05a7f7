package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"civicaid/auth"
	"civicaid/intake"
	"civicaid/lifecycle"
	"civicaid/matching"
	"civicaid/request"

	"go.uber.org/zap"
)

// Server exposes the request lifecycle over HTTP. Every handler resolves the
// actor from the context and passes it explicitly to the services.
type Server struct {
	authService *auth.Service
	requests    *lifecycle.Service
	matching    *matching.Engine
	intake      *intake.Service
	logger      *zap.Logger
}

func (s *Server) log() *zap.Logger {
	if s.logger == nil {
		return zap.NewNop()
	}
	return s.logger
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.Handle("/api/intake", s.requireAuth(http.HandlerFunc(s.handleIntake)))
	mux.Handle("/api/requests", s.requireAuth(http.HandlerFunc(s.handleRequests)))
	mux.Handle("/api/requests/", s.requireAuth(http.HandlerFunc(s.handleRequestDetail)))
	return s.logRequests(mux)
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: invalid JSON body: %v", request.ErrValidation, err)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type authResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var body auth.RegisterRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if auth.Role(strings.TrimSpace(string(body.Role))) == auth.RoleAdmin {
		writeErrorMessage(w, http.StatusForbidden, "forbidden", "admin accounts cannot be self-registered")
		return
	}

	user, err := s.authService.Register(r.Context(), body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	token, err := s.authService.IssueToken(user.Actor())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: toUserResponse(*user)})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var body auth.LoginRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.authService.Login(r.Context(), body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: res.Token, User: toUserResponse(res.User)})
}

func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	actor := actorFromContext(r.Context())

	var body intakePayload
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	in := body.toInput()
	if err := s.fillFromProfile(r, actor, &in); err != nil {
		s.writeError(w, r, err)
		return
	}

	resp, err := s.intake.Submit(r.Context(), actor, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if resp.Request != nil {
		status = http.StatusCreated
	}
	writeJSON(w, status, toIntakeResponse(resp))
}

// fillFromProfile defaults the requester name and contact to the caller's
// account details.
func (s *Server) fillFromProfile(r *http.Request, actor auth.Actor, in *intake.Input) error {
	if in.RequesterName != "" && (in.Contact.Phone != "" || in.Contact.Email != "") {
		return nil
	}
	user, err := s.authService.GetUserByID(r.Context(), actor.UserID)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			return nil
		}
		return err
	}
	if in.RequesterName == "" {
		in.RequesterName = user.FullName
	}
	if in.Contact.Phone == "" && in.Contact.Email == "" {
		in.Contact.Email = user.Email
		if user.Phone != nil {
			in.Contact.Phone = *user.Phone
		}
	}
	return nil
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListRequests(w, r)
	case http.MethodPost:
		s.handleCreateRequest(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())

	var body createRequestPayload
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	details, err := body.details()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	proj, err := s.requests.Create(r.Context(), actor, lifecycle.Draft{
		RequesterName: body.RequesterName,
		Description:   body.Description,
		Location:      body.Location.toDomain(),
		Contact:       request.Contact{Phone: body.Contact.Phone, Email: body.Contact.Email},
		Details:       details,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestResponse(proj))
}

func parseFilter(r *http.Request) (request.Filter, error) {
	q := r.URL.Query()
	filter := request.Filter{
		Kind:        request.Kind(q.Get("kind")),
		Status:      request.Status(q.Get("status")),
		RequesterID: q.Get("requesterId"),
		VolunteerID: q.Get("volunteerId"),
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		return request.Filter{}, fmt.Errorf("%w: unknown kind %q", request.ErrValidation, filter.Kind)
	}
	for name, dst := range map[string]*int{"page": &filter.Page, "pageSize": &filter.PageSize} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return request.Filter{}, fmt.Errorf("%w: %s must be a positive integer", request.ErrValidation, name)
		}
		*dst = n
	}
	return filter, nil
}

type requestListResponse struct {
	Items []requestResponse `json:"items"`
	Total int               `json:"total"`
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.requests.List(r.Context(), actorFromContext(r.Context()), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]requestResponse, 0, len(res.Items))
	for _, p := range res.Items {
		items = append(items, toRequestResponse(p))
	}
	writeJSON(w, http.StatusOK, requestListResponse{Items: items, Total: res.Total})
}

// handleRequestDetail serves /api/requests/{id} and its action sub-resources.
func (s *Server) handleRequestDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/requests/"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" || len(parts) > 2 {
		writeErrorMessage(w, http.StatusBadRequest, "validation_error", "invalid request path")
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleGetRequest(w, r, id)
		case http.MethodDelete:
			s.handleDeleteRequest(w, r, id)
		default:
			methodNotAllowed(w)
		}
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	switch parts[1] {
	case "transitions":
		s.handleTransition(w, r, id)
	case "updates":
		s.handleAddUpdate(w, r, id)
	case "volunteer":
		s.handleVolunteer(w, r, id)
	case "applications":
		s.handleApply(w, r, id)
	case "assign":
		s.handleAssign(w, r, id)
	default:
		writeErrorMessage(w, http.StatusNotFound, "not_found", "unknown request action")
	}
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request, id string) {
	proj, err := s.requests.Get(r.Context(), actorFromContext(r.Context()), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(proj))
}

func (s *Server) handleDeleteRequest(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.requests.Delete(r.Context(), actorFromContext(r.Context()), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(body.Status) == "" {
		writeErrorMessage(w, http.StatusBadRequest, "validation_error", "status is required")
		return
	}

	proj, err := s.requests.Transition(r.Context(), actorFromContext(r.Context()), lifecycle.TransitionParams{
		RequestID: id,
		Target:    request.Status(strings.TrimSpace(body.Status)),
		Message:   body.Message,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(proj))
}

func (s *Server) handleAddUpdate(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		Message string `json:"message"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	proj, err := s.requests.AddUpdate(r.Context(), actorFromContext(r.Context()), id, body.Message)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestResponse(proj))
}

func (s *Server) handleVolunteer(w http.ResponseWriter, r *http.Request, id string) {
	proj, err := s.matching.Volunteer(r.Context(), actorFromContext(r.Context()), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(proj))
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		Message       string `json:"message"`
		EstimatedTime string `json:"estimatedTime"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	proj, err := s.matching.Apply(r.Context(), actorFromContext(r.Context()), matching.ApplyParams{
		RequestID:     id,
		Message:       body.Message,
		EstimatedTime: body.EstimatedTime,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestResponse(proj))
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		VolunteerID string `json:"volunteerId"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	proj, err := s.matching.Assign(r.Context(), actorFromContext(r.Context()), matching.AssignParams{
		RequestID:   id,
		VolunteerID: strings.TrimSpace(body.VolunteerID),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(proj))
}
