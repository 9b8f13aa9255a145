package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"tipline/internal/domain"
)

func (r Repo) InsertSubmission(ctx context.Context, tx *sql.Tx, s domain.Submission) error {
	answers, err := json.Marshal(s.Answers)
	if err != nil {
		return fmt.Errorf("marshal answers: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO submissions(id,context_id,token_id,answers_json,receipt_hash,created_at) VALUES (?,?,?,?,?,?)`,
		s.ID, s.ContextID, s.TokenID, string(answers), s.ReceiptHash, s.CreatedAt); err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	for _, rid := range s.Receivers {
		if _, err := tx.ExecContext(ctx, `INSERT INTO submission_receivers(submission_id,receiver_id) VALUES (?,?)`, s.ID, rid); err != nil {
			return fmt.Errorf("insert submission receiver %s: %w", rid, err)
		}
	}
	return nil
}

// SubmissionsForReceiver lists the submissions addressed to a receiver,
// newest first.
func (r Repo) SubmissionsForReceiver(ctx context.Context, receiverID string) ([]domain.Submission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT s.id,s.context_id,s.token_id,s.answers_json,s.created_at,
			(SELECT COUNT(*) FROM files f WHERE f.token_id=s.token_id)
		FROM submissions s JOIN submission_receivers sr ON sr.submission_id=s.id
		WHERE sr.receiver_id=? ORDER BY s.created_at DESC, s.id`, receiverID)
	if err != nil {
		return nil, err
	}
	var res []domain.Submission
	for rows.Next() {
		var s domain.Submission
		var answers string
		if err := rows.Scan(&s.ID, &s.ContextID, &s.TokenID, &answers, &s.CreatedAt, &s.FileCount); err != nil {
			rows.Close()
			return nil, err
		}
		if err := json.Unmarshal([]byte(answers), &s.Answers); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode answers for %s: %w", s.ID, err)
		}
		res = append(res, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		ids, err := r.submissionReceiverIDs(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Receivers = ids
	}
	return res, nil
}

func (r Repo) submissionReceiverIDs(ctx context.Context, submissionID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT receiver_id FROM submission_receivers WHERE submission_id=? ORDER BY receiver_id`, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) InsertFile(ctx context.Context, tx *sql.Tx, f domain.File, data []byte) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO files(id,token_id,name,content_type,size,data,created_at) VALUES (?,?,?,?,?,?,?)`,
		f.ID, f.TokenID, f.Name, f.ContentType, f.Size, data, f.CreatedAt)
	return err
}

func (r Repo) CountFiles(ctx context.Context, tokenID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM files WHERE token_id=?`, tokenID).Scan(&n)
	return n, err
}

// SubmissionByToken returns the submission redeemed with tokenID, including
// its receipt hash.
func (r Repo) SubmissionByToken(ctx context.Context, tokenID string) (domain.Submission, error) {
	var s domain.Submission
	var answers string
	err := r.DB.QueryRowContext(ctx, `SELECT id,context_id,token_id,answers_json,receipt_hash,created_at FROM submissions WHERE token_id=?`, tokenID).
		Scan(&s.ID, &s.ContextID, &s.TokenID, &answers, &s.ReceiptHash, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(answers), &s.Answers); err != nil {
		return s, fmt.Errorf("decode answers for %s: %w", s.ID, err)
	}
	ids, err := r.submissionReceiverIDs(ctx, s.ID)
	if err != nil {
		return s, err
	}
	s.Receivers = ids
	return s, nil
}
