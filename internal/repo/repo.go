package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"tipline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// Seed upserts the configured receivers and contexts. Context receiver
// links are replaced wholesale.
func (r Repo) Seed(ctx context.Context, receivers []domain.Receiver, contexts []domain.Context) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, rc := range receivers {
		if _, err := tx.ExecContext(ctx, `INSERT INTO receivers(id,name,presentation_order,configuration,pgp_key_status) VALUES (?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET name=excluded.name, presentation_order=excluded.presentation_order,
			configuration=excluded.configuration, pgp_key_status=excluded.pgp_key_status`,
			rc.ID, rc.Name, rc.PresentationOrder, defaultString(rc.Configuration, domain.ConfigurationDefault), defaultString(rc.PGPKeyStatus, "disabled")); err != nil {
			return fmt.Errorf("upsert receiver %s: %w", rc.ID, err)
		}
	}
	for _, c := range contexts {
		steps, err := json.Marshal(c.Steps)
		if err != nil {
			return fmt.Errorf("marshal steps for %s: %w", c.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO contexts(id,name,description,presentation_order,show_context,maximum_selectable_receivers,show_receivers,show_receivers_in_alphabetical_order,steps_json)
			VALUES (?,?,?,?,?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET name=excluded.name, description=excluded.description, presentation_order=excluded.presentation_order,
			show_context=excluded.show_context, maximum_selectable_receivers=excluded.maximum_selectable_receivers,
			show_receivers=excluded.show_receivers, show_receivers_in_alphabetical_order=excluded.show_receivers_in_alphabetical_order,
			steps_json=excluded.steps_json`,
			c.ID, c.Name, nullable(c.Description), c.PresentationOrder, c.ShowContext, c.MaximumSelectableReceivers,
			c.ShowReceivers, c.ShowReceiversInAlphabeticalOrder, string(steps)); err != nil {
			return fmt.Errorf("upsert context %s: %w", c.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM context_receivers WHERE context_id=?`, c.ID); err != nil {
			return err
		}
		for i, rid := range c.Receivers {
			if _, err := tx.ExecContext(ctx, `INSERT INTO context_receivers(context_id,receiver_id,position) VALUES (?,?,?)`, c.ID, rid, i); err != nil {
				return fmt.Errorf("link receiver %s to %s: %w", rid, c.ID, err)
			}
		}
	}
	return tx.Commit()
}

const contextColumns = `id,name,COALESCE(description,''),presentation_order,show_context,maximum_selectable_receivers,show_receivers,show_receivers_in_alphabetical_order,steps_json`

type scanner interface {
	Scan(dest ...any) error
}

func scanContext(row scanner) (domain.Context, error) {
	var c domain.Context
	var steps string
	if err := row.Scan(&c.ID, &c.Name, &c.Description, &c.PresentationOrder, &c.ShowContext,
		&c.MaximumSelectableReceivers, &c.ShowReceivers, &c.ShowReceiversInAlphabeticalOrder, &steps); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, ErrNotFound
		}
		return c, err
	}
	if err := json.Unmarshal([]byte(steps), &c.Steps); err != nil {
		return c, fmt.Errorf("decode steps for %s: %w", c.ID, err)
	}
	return c, nil
}

func (r Repo) ListContexts(ctx context.Context) ([]domain.Context, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+contextColumns+` FROM contexts ORDER BY presentation_order, name`)
	if err != nil {
		return nil, err
	}
	var res []domain.Context
	for rows.Next() {
		c, err := scanContext(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		ids, err := r.contextReceiverIDs(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Receivers = ids
	}
	return res, nil
}

func (r Repo) GetContext(ctx context.Context, id string) (domain.Context, error) {
	c, err := scanContext(r.DB.QueryRowContext(ctx, `SELECT `+contextColumns+` FROM contexts WHERE id=?`, id))
	if err != nil {
		return c, err
	}
	c.Receivers, err = r.contextReceiverIDs(ctx, id)
	return c, err
}

func (r Repo) contextReceiverIDs(ctx context.Context, contextID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT receiver_id FROM context_receivers WHERE context_id=? ORDER BY position`, contextID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) ListReceivers(ctx context.Context) ([]domain.Receiver, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,presentation_order,configuration,pgp_key_status FROM receivers ORDER BY presentation_order, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Receiver
	for rows.Next() {
		var rc domain.Receiver
		if err := rows.Scan(&rc.ID, &rc.Name, &rc.PresentationOrder, &rc.Configuration, &rc.PGPKeyStatus); err != nil {
			return nil, err
		}
		res = append(res, rc)
	}
	return res, rows.Err()
}

func (r Repo) GetReceiver(ctx context.Context, id string) (domain.Receiver, error) {
	var rc domain.Receiver
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,presentation_order,configuration,pgp_key_status FROM receivers WHERE id=?`, id).
		Scan(&rc.ID, &rc.Name, &rc.PresentationOrder, &rc.Configuration, &rc.PGPKeyStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return rc, ErrNotFound
	}
	return rc, err
}

// LatestEvents returns the newest n events, optionally filtered by type.
func (r Repo) LatestEvents(ctx context.Context, n int, evtType string) ([]domain.Event, error) {
	if n <= 0 {
		n = 20
	}
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),payload_json FROM events`
	var args []any
	if evtType != "" {
		query += ` WHERE type=?`
		args = append(args, evtType)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, n)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func defaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
