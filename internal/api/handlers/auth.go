// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/growkey/growkey/internal/services/session"
)

// TokenEngine is the session engine as seen by the bot client endpoints.
type TokenEngine interface {
	IssueToken(ctx context.Context, req session.Request) (string, error)
	Logout(ctx context.Context, req session.Request) (*session.LogoutResult, error)
}

// AuthHandler serves the bot client protocol. Every answer is a 200; the
// outcome is carried in the body.
type AuthHandler struct {
	engine TokenEngine
}

func NewAuthHandler(engine TokenEngine) *AuthHandler {
	return &AuthHandler{engine: engine}
}

// StatusResponse is the body of failed requests and of a successful logout.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (h *AuthHandler) Routes(r chi.Router) {
	r.Post("/token", h.IssueToken)
	r.Post("/logout", h.Logout)
}

// IssueToken answers with the encoded payload as a JSON string.
func (h *AuthHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	req := h.decodeRequest(w, r)

	encoded, err := h.engine.IssueToken(r.Context(), req)
	if err != nil {
		respondStatusError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, encoded)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	req := h.decodeRequest(w, r)

	res, err := h.engine.Logout(r.Context(), req)
	if err != nil {
		respondStatusError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, StatusResponse{Status: res.Status, Message: res.Message})
}

// decodeRequest never fails: a body that does not parse yields an empty
// request, which the engine rejects as invalid and audits like any other.
func (h *AuthHandler) decodeRequest(w http.ResponseWriter, r *http.Request) session.Request {
	var req session.Request
	if err := decodeJSON(w, r, &req); err != nil {
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("Malformed auth request body")
		return session.Request{}
	}
	return req
}

func respondStatusError(w http.ResponseWriter, err error) {
	RespondJSON(w, http.StatusOK, StatusResponse{
		Status:  "error",
		Message: session.MessageOf(err),
	})
}
