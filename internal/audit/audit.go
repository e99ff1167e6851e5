// Package audit records state changes made by the core services.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Entry is one audit_logs row.
type Entry struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organizationId"`
	EntityType     string         `json:"entityType"`
	EntityID       string         `json:"entityId"`
	Action         string         `json:"action"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// Insert writes e inside tx, filling ID and CreatedAt when unset.
func Insert(ctx context.Context, tx pgx.Tx, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO stagehand.audit_logs(id, organization_id, entity_type, entity_id, action, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)`,
		e.ID, e.OrganizationID, e.EntityType, e.EntityID, e.Action, string(meta), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}
