package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// TokenRecord is the server-side view of a token, including the secrets
// that never leave the server.
type TokenRecord struct {
	ID                string
	ContextID         string
	StartValiditySecs int
	CaptchaQuestion   *string
	CaptchaAnswer     *int
	PowQuestion       *string
	PowAnswer         *int64
	CreatedAt         string
	ExpiresAt         string
	UsedAt            *string
}

func (r Repo) InsertToken(ctx context.Context, tx *sql.Tx, t TokenRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tokens(id,context_id,start_validity_secs,captcha_question,captcha_answer,pow_question,pow_answer,created_at,expires_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ContextID, t.StartValiditySecs, t.CaptchaQuestion, t.CaptchaAnswer, t.PowQuestion, t.PowAnswer, t.CreatedAt, t.ExpiresAt)
	return err
}

func (r Repo) GetToken(ctx context.Context, id string) (TokenRecord, error) {
	var t TokenRecord
	var captchaQ, powQ, usedAt sql.NullString
	var captchaA, powA sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT id,context_id,start_validity_secs,captcha_question,captcha_answer,pow_question,pow_answer,created_at,expires_at,used_at
		FROM tokens WHERE id=?`, id).
		Scan(&t.ID, &t.ContextID, &t.StartValiditySecs, &captchaQ, &captchaA, &powQ, &powA, &t.CreatedAt, &t.ExpiresAt, &usedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if captchaQ.Valid {
		t.CaptchaQuestion = &captchaQ.String
	}
	if captchaA.Valid {
		v := int(captchaA.Int64)
		t.CaptchaAnswer = &v
	}
	if powQ.Valid {
		t.PowQuestion = &powQ.String
	}
	if powA.Valid {
		t.PowAnswer = &powA.Int64
	}
	if usedAt.Valid {
		t.UsedAt = &usedAt.String
	}
	return t, nil
}

// SetCaptcha replaces the pending captcha. A nil question clears the gate.
func (r Repo) SetCaptcha(ctx context.Context, tx *sql.Tx, id string, question *string, answer *int) error {
	return expectOne(tx.ExecContext(ctx, `UPDATE tokens SET captcha_question=?, captcha_answer=? WHERE id=?`, question, answer, id))
}

// SetPowSolved records an accepted proof-of-work answer and clears the
// challenge.
func (r Repo) SetPowSolved(ctx context.Context, tx *sql.Tx, id string, answer int64) error {
	return expectOne(tx.ExecContext(ctx, `UPDATE tokens SET pow_question=NULL, pow_answer=? WHERE id=?`, answer, id))
}

func (r Repo) MarkTokenUsed(ctx context.Context, tx *sql.Tx, id, ts string) error {
	return expectOne(tx.ExecContext(ctx, `UPDATE tokens SET used_at=? WHERE id=? AND used_at IS NULL`, ts, id))
}

// DeleteExpiredTokens removes unused tokens that expired before now, along
// with any files uploaded against them.
func (r Repo) DeleteExpiredTokens(ctx context.Context, now string) (int64, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE token_id IN (SELECT id FROM tokens WHERE used_at IS NULL AND expires_at < ?)`, now); err != nil {
		return 0, fmt.Errorf("delete expired files: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tokens WHERE used_at IS NULL AND expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
