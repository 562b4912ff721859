// Copyright 2026 The AuthGate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/authgate/authgate/internal/audit"
	"github.com/authgate/authgate/internal/id"
)

// Backups are metadata-only: each backup is recorded in the audit log
// and the actual data export runs out of band against the database.
// The backup id ties the audit trail to the external artifact.

type backupInfo struct {
	ID          string    `json:"id"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

type createBackupRequest struct {
	Description string `json:"description,omitempty"`
}

// CreateBackup records a backup point
// @Summary Create backup
// @Tags System
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body createBackupRequest false "Backup metadata"
// @Success 201 {object} Envelope{data=backupInfo}
// @Router /system/backups [post]
func (h *Handler) CreateBackup(w http.ResponseWriter, r *http.Request) {
	var req createBackupRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}

	info := backupInfo{
		ID:          id.NewUUIDv7(),
		Description: req.Description,
		CreatedBy:   GetUserID(r.Context()),
		CreatedAt:   time.Now(),
	}

	event := audit.Success(audit.ActionBackupCreated)
	event.ActorType = audit.ActorUser
	event.ActorID = info.CreatedBy
	event.ResourceType = "backup"
	event.ResourceID = info.ID
	if info.Description != "" {
		event.Metadata = map[string]any{"description": info.Description}
	}
	h.auditLogger.Log(r.Context(), event)

	respondData(w, http.StatusCreated, info)
}

// ListBackups lists recorded backup points, newest first
// @Summary List backups
// @Tags System
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Page size"
// @Param offset query int false "Page offset"
// @Success 200 {object} Envelope{data=[]backupInfo}
// @Router /system/backups [get]
func (h *Handler) ListBackups(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePage(r)
	records, total, err := h.auditEvents.List(r.Context(), audit.Filter{
		Action: audit.ActionBackupCreated,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to list backups")
		return
	}

	backups := make([]backupInfo, 0, len(records))
	for _, rec := range records {
		info := backupInfo{CreatedBy: rec.ActorID, CreatedAt: rec.Timestamp}
		if rec.ResourceID != nil {
			info.ID = *rec.ResourceID
		}
		if desc, ok := rec.Metadata["description"].(string); ok {
			info.Description = desc
		}
		backups = append(backups, info)
	}
	respondPage(w, backups, total, limit, offset)
}

// RestoreBackup records a restore from a backup point. The restore
// itself runs out of band; unknown backup ids are rejected.
// @Summary Restore backup
// @Tags System
// @Produce json
// @Security BearerAuth
// @Param backupID path string true "Backup ID"
// @Success 200 {object} Envelope
// @Failure 404 {object} Envelope
// @Router /system/backups/{backupID}/restore [post]
func (h *Handler) RestoreBackup(w http.ResponseWriter, r *http.Request) {
	backupID := chi.URLParam(r, "backupID")

	records, _, err := h.auditEvents.List(r.Context(), audit.Filter{
		Action:       audit.ActionBackupCreated,
		ResourceType: "backup",
		Limit:        maxPageLimit,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to look up backup")
		return
	}
	found := false
	for _, rec := range records {
		if rec.ResourceID != nil && *rec.ResourceID == backupID {
			found = true
			break
		}
	}
	if !found {
		respondError(w, http.StatusNotFound, "not_found", "backup not found")
		return
	}

	event := audit.Success(audit.ActionBackupRestored)
	event.ActorType = audit.ActorUser
	event.ActorID = GetUserID(r.Context())
	event.ResourceType = "backup"
	event.ResourceID = backupID
	h.auditLogger.Log(r.Context(), event)

	respondMessage(w, http.StatusOK, "restore recorded")
}
