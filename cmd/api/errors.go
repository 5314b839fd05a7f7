package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"civicaid/auth"
	"civicaid/request"
	"civicaid/utterance"

	"go.uber.org/zap"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type errorMapping struct {
	target error
	status int
	code   string
}

// Order matters: the more specific kinds come before the ones they could be
// mistaken for.
var errorMappings = []errorMapping{
	{request.ErrValidation, http.StatusBadRequest, "validation_error"},
	{utterance.ErrEmptyUtterance, http.StatusBadRequest, "empty_utterance"},
	{auth.ErrWeakPassword, http.StatusBadRequest, "weak_password"},
	{auth.ErrInvalidInput, http.StatusBadRequest, "validation_error"},
	{request.ErrNotFound, http.StatusNotFound, "not_found"},
	{auth.ErrUserNotFound, http.StatusNotFound, "not_found"},
	{request.ErrSelfCommitForbidden, http.StatusForbidden, "self_commit_forbidden"},
	{request.ErrForbidden, http.StatusForbidden, "forbidden"},
	{request.ErrAlreadyCommitted, http.StatusConflict, "already_committed"},
	{request.ErrDuplicateApplication, http.StatusConflict, "duplicate_application"},
	{request.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{auth.ErrDuplicateEmail, http.StatusConflict, "duplicate_email"},
	{auth.ErrInvalidCredentials, http.StatusUnauthorized, "invalid_credentials"},
	{auth.ErrInvalidToken, http.StatusUnauthorized, "unauthorized"},
}

func statusForError(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusForError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log().Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg = "internal server error"
	}
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func writeErrorMessage(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeErrorMessage(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}
