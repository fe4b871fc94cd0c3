// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/growkey/growkey/internal/lock"
	"github.com/growkey/growkey/internal/models"
	"github.com/growkey/growkey/internal/services/license"
)

const maxLogLimit = 1000

// LicenseHandler exposes license administration.
type LicenseHandler struct {
	licenseService *license.Service
}

func NewLicenseHandler(licenseService *license.Service) *LicenseHandler {
	return &LicenseHandler{
		licenseService: licenseService,
	}
}

// GenerateKeyResponse carries a fresh, unsaved license key.
type GenerateKeyResponse struct {
	LicenseKey string `json:"licenseKey"`
}

func (h *LicenseHandler) Routes(r chi.Router) {
	r.Get("/", h.ListLicenses)
	r.Post("/", h.CreateLicense)
	r.Get("/generate-key", h.GenerateKey)

	r.Route("/{licenseID}", func(r chi.Router) {
		r.Get("/", h.GetLicense)
		r.Patch("/", h.UpdateLicense)
		r.Delete("/", h.DeleteLicense)
		r.Post("/reset-binding", h.ResetBinding)
		r.Post("/ban", h.BanLicense)
		r.Post("/unban", h.UnbanLicense)
		r.Get("/logs", h.ListLogs)
	})
}

func (h *LicenseHandler) ListLicenses(w http.ResponseWriter, r *http.Request) {
	opts := models.LicenseListOptions{
		Status: r.URL.Query().Get("status"),
		Limit:  queryInt(r, "limit", 0),
		Offset: queryInt(r, "offset", 0),
	}

	licenses, err := h.licenseService.ListLicenses(r.Context(), opts)
	if err != nil {
		respondLicenseError(w, err, "list licenses")
		return
	}
	if licenses == nil {
		licenses = []*models.License{}
	}

	RespondJSON(w, http.StatusOK, licenses)
}

func (h *LicenseHandler) CreateLicense(w http.ResponseWriter, r *http.Request) {
	var input license.CreateInput
	if err := decodeJSON(w, r, &input); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	created, err := h.licenseService.CreateLicense(r.Context(), input)
	if err != nil {
		respondLicenseError(w, err, "create license")
		return
	}

	RespondJSON(w, http.StatusCreated, created)
}

func (h *LicenseHandler) GenerateKey(w http.ResponseWriter, r *http.Request) {
	key, err := license.GenerateLicenseKey()
	if err != nil {
		respondLicenseError(w, err, "generate license key")
		return
	}

	RespondJSON(w, http.StatusOK, GenerateKeyResponse{LicenseKey: key})
}

func (h *LicenseHandler) GetLicense(w http.ResponseWriter, r *http.Request) {
	detail, err := h.licenseService.GetLicenseDetail(r.Context(), chi.URLParam(r, "licenseID"))
	if err != nil {
		respondLicenseError(w, err, "get license")
		return
	}

	RespondJSON(w, http.StatusOK, detail)
}

func (h *LicenseHandler) UpdateLicense(w http.ResponseWriter, r *http.Request) {
	var input license.UpdateInput
	if err := decodeJSON(w, r, &input); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	updated, err := h.licenseService.UpdateLicense(r.Context(), chi.URLParam(r, "licenseID"), input)
	if err != nil {
		respondLicenseError(w, err, "update license")
		return
	}

	RespondJSON(w, http.StatusOK, updated)
}

func (h *LicenseHandler) DeleteLicense(w http.ResponseWriter, r *http.Request) {
	if err := h.licenseService.DeleteLicense(r.Context(), chi.URLParam(r, "licenseID")); err != nil {
		respondLicenseError(w, err, "delete license")
		return
	}

	RespondJSON(w, http.StatusNoContent, nil)
}

func (h *LicenseHandler) ResetBinding(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "reset binding", h.licenseService.ResetBinding)
}

func (h *LicenseHandler) BanLicense(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "ban license", h.licenseService.BanLicense)
}

func (h *LicenseHandler) UnbanLicense(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "unban license", h.licenseService.UnbanLicense)
}

func (h *LicenseHandler) mutate(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context, string) (*models.License, error)) {
	updated, err := fn(r.Context(), chi.URLParam(r, "licenseID"))
	if err != nil {
		respondLicenseError(w, err, action)
		return
	}

	RespondJSON(w, http.StatusOK, updated)
}

func (h *LicenseHandler) ListLogs(w http.ResponseWriter, r *http.Request) {
	limit := min(queryInt(r, "limit", 0), maxLogLimit)

	entries, err := h.licenseService.ListAuditEntries(r.Context(), chi.URLParam(r, "licenseID"), limit)
	if err != nil {
		respondLicenseError(w, err, "list audit log")
		return
	}
	if entries == nil {
		entries = []*models.AuditLogEntry{}
	}

	RespondJSON(w, http.StatusOK, entries)
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func respondLicenseError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, license.ErrInvalidInput):
		RespondError(w, http.StatusBadRequest, license.InputMessage(err))
	case errors.Is(err, models.ErrLicenseNotFound):
		RespondError(w, http.StatusNotFound, "License not found")
	case errors.Is(err, models.ErrLicenseExists):
		RespondError(w, http.StatusConflict, "License key already exists")
	case errors.Is(err, lock.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		RespondError(w, http.StatusServiceUnavailable, "License is busy, try again")
	default:
		log.Error().Err(err).Msgf("Failed to %s", action)
		RespondError(w, http.StatusInternalServerError, "Failed to "+action)
	}
}
