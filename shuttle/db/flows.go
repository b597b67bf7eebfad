package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrFlowNotFound = errors.New("flow not found")
	ErrNoDefinition = errors.New("no definition saved for flow")
)

type Flow struct {
	ID            string
	Name          string
	Cron          string
	Variables     map[string]string
	WebhookAdded  bool
	WebhookEvents string
}

func (db *DB) CreateFlow(ctx context.Context, name string) (*Flow, error) {
	flow := &Flow{
		ID:        uuid.NewString(),
		Name:      name,
		Variables: make(map[string]string),
	}

	_, err := db.ExecContext(ctx, `
		insert into flows (id, name)
		values (?, ?)
	`, flow.ID, flow.Name)
	if err != nil {
		return nil, fmt.Errorf("creating flow %q: %w", name, err)
	}

	return flow, nil
}

func (db *DB) GetFlowByName(ctx context.Context, name string) (*Flow, error) {
	return db.scanFlow(db.QueryRowContext(ctx, `
		select id, name, cron, variables, webhook_added, webhook_events
		from flows where name = ?
	`, name))
}

func (db *DB) GetFlow(ctx context.Context, id string) (*Flow, error) {
	return db.scanFlow(db.QueryRowContext(ctx, `
		select id, name, cron, variables, webhook_added, webhook_events
		from flows where id = ?
	`, id))
}

func (db *DB) scanFlow(row *sql.Row) (*Flow, error) {
	var flow Flow
	var variables string
	err := row.Scan(&flow.ID, &flow.Name, &flow.Cron, &variables, &flow.WebhookAdded, &flow.WebhookEvents)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFlowNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(variables), &flow.Variables); err != nil {
		return nil, fmt.Errorf("decoding variables for flow %s: %w", flow.Name, err)
	}
	return &flow, nil
}

func (db *DB) ListFlows(ctx context.Context) ([]Flow, error) {
	rows, err := db.QueryContext(ctx, `
		select id, name, cron, variables, webhook_added, webhook_events
		from flows order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flows []Flow
	for rows.Next() {
		var flow Flow
		var variables string
		if err := rows.Scan(&flow.ID, &flow.Name, &flow.Cron, &variables, &flow.WebhookAdded, &flow.WebhookEvents); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(variables), &flow.Variables); err != nil {
			return nil, err
		}
		flows = append(flows, flow)
	}
	return flows, rows.Err()
}

func (db *DB) SetCron(ctx context.Context, flowID, expr string) error {
	_, err := db.ExecContext(ctx, `update flows set cron = ? where id = ?`, expr, flowID)
	return err
}

func (db *DB) SetWebhookAdded(ctx context.Context, flowID, events string) error {
	_, err := db.ExecContext(ctx, `
		update flows set webhook_added = 1, webhook_events = ? where id = ?
	`, events, flowID)
	return err
}

// SaveDefinition stores the raw definition and syncs the flow's
// variables from the tree's root environment in one transaction; a
// failed save leaves both untouched.
func (db *DB) SaveDefinition(ctx context.Context, flowID, raw string, rootEnvs map[string]string) error {
	variables, err := json.Marshal(rootEnvs)
	if err != nil {
		return err
	}
	if rootEnvs == nil {
		variables = []byte("{}")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		insert into definitions (flow_id, raw, updated)
		values (?, ?, strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		on conflict (flow_id) do update set
			raw = excluded.raw,
			updated = excluded.updated
	`, flowID, raw)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `update flows set variables = ? where id = ?`, string(variables), flowID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (db *DB) GetDefinition(ctx context.Context, flowID string) (string, error) {
	var raw string
	err := db.QueryRowContext(ctx, `
		select raw from definitions where flow_id = ?
	`, flowID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoDefinition
	}
	if err != nil {
		return "", err
	}
	return raw, nil
}

// DeleteDefinition is a no-op when the flow has no saved definition.
func (db *DB) DeleteDefinition(ctx context.Context, flowID string) error {
	_, err := db.ExecContext(ctx, `delete from definitions where flow_id = ?`, flowID)
	return err
}
