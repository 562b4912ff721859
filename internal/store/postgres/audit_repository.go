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

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/authgate/authgate/internal/audit"
)

// AuditRepository implements audit.EventRepository. The table is
// append-only; there is no update or delete path.
type AuditRepository struct {
	db *DB
}

// NewAuditRepository creates a new audit event repository
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append stores an audit record
func (r *AuditRepository) Append(ctx context.Context, rec *audit.Record) error {
	var metadata []byte
	if rec.Metadata != nil {
		var err error
		metadata, err = json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode audit metadata: %w", err)
		}
	}

	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO audit_events (
			id, timestamp, action, actor_type, actor_id, user_id, client_id,
			resource_type, resource_id, success, error_message, ip_address, user_agent, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		rec.ID, rec.Timestamp, rec.Action, rec.ActorType, rec.ActorID, rec.UserID, rec.ClientID,
		rec.ResourceType, rec.ResourceID, rec.Success, rec.ErrorMessage, rec.IPAddress, rec.UserAgent, metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// GetByID retrieves a single audit record
func (r *AuditRepository) GetByID(ctx context.Context, id string) (*audit.Record, error) {
	row := r.db.pool.QueryRow(ctx, `
		SELECT id, timestamp, action, actor_type, actor_id, user_id, client_id,
			resource_type, resource_id, success, error_message, ip_address, user_agent, metadata
		FROM audit_events WHERE id = $1
	`, id)
	rec, err := scanAuditRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, audit.ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get audit event: %w", err)
	}
	return rec, nil
}

// List retrieves records matching the filter, newest first, with a
// total count.
func (r *AuditRepository) List(ctx context.Context, f audit.Filter) ([]*audit.Record, int64, error) {
	where, args := buildAuditFilter(f)

	var total int64
	if err := r.db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_events`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit events: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	query := fmt.Sprintf(`
		SELECT id, timestamp, action, actor_type, actor_id, user_id, client_id,
			resource_type, resource_id, success, error_message, ip_address, user_agent, metadata
		FROM audit_events%s
		ORDER BY timestamp DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)-1, len(args))

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var recs []*audit.Record
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan audit event: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, total, rows.Err()
}

// Statistics aggregates counts over the filter window
func (r *AuditRepository) Statistics(ctx context.Context, f audit.Filter) (*audit.Statistics, error) {
	where, args := buildAuditFilter(f)

	stats := &audit.Statistics{
		ByAction:    make(map[string]int64),
		ByActorType: make(map[string]int64),
	}

	err := r.db.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE success),
			COUNT(*) FILTER (WHERE NOT success)
		FROM audit_events`+where, args...,
	).Scan(&stats.Total, &stats.Successes, &stats.Failures)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate audit events: %w", err)
	}

	rows, err := r.db.pool.Query(ctx,
		`SELECT action, COUNT(*) FROM audit_events`+where+` GROUP BY action`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate by action: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var action string
		var count int64
		if err := rows.Scan(&action, &count); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate: %w", err)
		}
		stats.ByAction[action] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.db.pool.Query(ctx,
		`SELECT actor_type, COUNT(*) FROM audit_events`+where+` GROUP BY actor_type`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate by actor type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var actorType string
		var count int64
		if err := rows.Scan(&actorType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate: %w", err)
		}
		stats.ByActorType[actorType] = count
	}
	return stats, rows.Err()
}

func buildAuditFilter(f audit.Filter) (string, []any) {
	var conds []string
	var args []any

	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.ActorType != "" {
		add("actor_type = $%d", f.ActorType)
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.ClientID != "" {
		add("client_id = $%d", f.ClientID)
	}
	if f.ResourceType != "" {
		add("resource_type = $%d", f.ResourceType)
	}
	if f.Success != nil {
		add("success = $%d", *f.Success)
	}
	if !f.From.IsZero() {
		add("timestamp >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("timestamp < $%d", f.To)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanAuditRecord(row pgx.Row) (*audit.Record, error) {
	var rec audit.Record
	var metadata []byte

	err := row.Scan(
		&rec.ID, &rec.Timestamp, &rec.Action, &rec.ActorType, &rec.ActorID, &rec.UserID, &rec.ClientID,
		&rec.ResourceType, &rec.ResourceID, &rec.Success, &rec.ErrorMessage, &rec.IPAddress, &rec.UserAgent, &metadata,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode audit metadata: %w", err)
		}
	}
	return &rec, nil
}
