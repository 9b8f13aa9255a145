package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"tipline/internal/config"
	"tipline/internal/domain"
	"tipline/internal/engine/receipt"
	"tipline/internal/events"
	"tipline/internal/log"
	"tipline/internal/pow"
	"tipline/internal/repo"
	"tipline/internal/session"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenUsed    = errors.New("token already used")
	ErrPowRejected  = errors.New("proof of work rejected")
)

// GateError reports an anti-abuse check that has not cleared yet.
type GateError struct {
	Gate string
}

func (e GateError) Error() string {
	return fmt.Sprintf("submission blocked: %s not satisfied", e.Gate)
}

// ValidationError reports a submission the context does not accept.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

// tsLayout is fixed width so stored timestamps compare as strings.
const tsLayout = "2006-01-02T15:04:05.000Z07:00"

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	// Captcha returns a question and its answer.
	Captcha func() (string, int)
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Now:     time.Now,
		Captcha: arithmeticCaptcha,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) newCaptcha() (string, int) {
	if e.Captcha != nil {
		return e.Captcha()
	}
	return arithmeticCaptcha()
}

func arithmeticCaptcha() (string, int) {
	a, b := rand.IntN(20)+1, rand.IntN(20)+1
	return fmt.Sprintf("%d + %d", a, b), a + b
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// IssueToken creates a token for a context, attaching the challenges the
// node requires.
func (e Engine) IssueToken(ctx context.Context, contextID string) (domain.Token, error) {
	if e.Config == nil {
		return domain.Token{}, errors.New("config not loaded")
	}
	if strings.TrimSpace(contextID) == "" {
		return domain.Token{}, ValidationError{Field: "context_id", Reason: "required"}
	}
	if _, err := e.Repo.GetContext(ctx, contextID); err != nil {
		return domain.Token{}, fmt.Errorf("context %s: %w", contextID, err)
	}
	now := e.now().UTC()
	rec := repo.TokenRecord{
		ID:                uuid.NewString(),
		ContextID:         contextID,
		StartValiditySecs: e.Config.Submission.MinimumDelay,
		CreatedAt:         now.Format(tsLayout),
		ExpiresAt:         now.Add(e.Config.TokenLifetime()).Format(tsLayout),
	}
	if e.Config.Node.EnableCaptcha {
		q, a := e.newCaptcha()
		rec.CaptchaQuestion, rec.CaptchaAnswer = &q, &a
	}
	if e.Config.Node.EnableProofOfWork {
		q := pow.NewChallenge().Question
		rec.PowQuestion = &q
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Token{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertToken(ctx, tx, rec); err != nil {
		return domain.Token{}, fmt.Errorf("insert token: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.TokenIssued, "token", rec.ID, events.EventPayload{
		"context_id": contextID,
		"captcha":    rec.CaptchaQuestion != nil,
		"pow":        rec.PowQuestion != nil,
	}); err != nil {
		return domain.Token{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Token{}, err
	}
	return e.tokenView(rec), nil
}

// UpdateToken checks the answers carried by tok. A wrong captcha answer
// replaces the question; a wrong proof of work is rejected outright.
func (e Engine) UpdateToken(ctx context.Context, tok domain.Token) (domain.Token, error) {
	rec, err := e.usableToken(ctx, tok.ID)
	if err != nil {
		return domain.Token{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Token{}, err
	}
	defer tx.Rollback()
	w := e.events()

	if tok.HumanCaptchaAnswer != nil && rec.CaptchaQuestion != nil {
		if rec.CaptchaAnswer != nil && *tok.HumanCaptchaAnswer == *rec.CaptchaAnswer {
			if err := e.Repo.SetCaptcha(ctx, tx, rec.ID, nil, nil); err != nil {
				return domain.Token{}, err
			}
			rec.CaptchaQuestion, rec.CaptchaAnswer = nil, nil
			if err := w.Append(ctx, tx, events.TokenCaptchaSolved, "token", rec.ID, nil); err != nil {
				return domain.Token{}, err
			}
		} else {
			q, a := e.newCaptcha()
			if err := e.Repo.SetCaptcha(ctx, tx, rec.ID, &q, &a); err != nil {
				return domain.Token{}, err
			}
			rec.CaptchaQuestion, rec.CaptchaAnswer = &q, &a
			if err := w.Append(ctx, tx, events.TokenCaptchaFailed, "token", rec.ID, nil); err != nil {
				return domain.Token{}, err
			}
		}
	}

	var rejected bool
	if tok.ProofOfWorkAnswer != nil && rec.PowQuestion != nil {
		answer := *tok.ProofOfWorkAnswer
		if pow.Verify(*rec.PowQuestion, answer, e.Config.PowDifficulty()) {
			if err := e.Repo.SetPowSolved(ctx, tx, rec.ID, answer); err != nil {
				return domain.Token{}, err
			}
			rec.PowQuestion, rec.PowAnswer = nil, &answer
			if err := w.Append(ctx, tx, events.TokenPowSolved, "token", rec.ID, events.EventPayload{"answer": answer}); err != nil {
				return domain.Token{}, err
			}
		} else {
			rejected = true
			if err := w.Append(ctx, tx, events.TokenPowRejected, "token", rec.ID, events.EventPayload{"answer": answer}); err != nil {
				return domain.Token{}, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Token{}, err
	}
	if rejected {
		return domain.Token{}, ErrPowRejected
	}
	return e.tokenView(rec), nil
}

// Receipt is returned once, on completion.
type Receipt struct {
	SubmissionID string
	Receipt      string
}

// Complete redeems a token for a submission.
func (e Engine) Complete(ctx context.Context, tokenID string, receiverIDs []string, answers map[string]any) (Receipt, error) {
	rec, err := e.usableToken(ctx, tokenID)
	if err != nil {
		return Receipt{}, err
	}
	if rec.CaptchaQuestion != nil {
		return Receipt{}, GateError{Gate: "captcha"}
	}
	if rec.PowQuestion != nil {
		return Receipt{}, GateError{Gate: "proof_of_work"}
	}
	created, err := time.Parse(tsLayout, rec.CreatedAt)
	if err != nil {
		return Receipt{}, fmt.Errorf("token created_at: %w", err)
	}
	if e.now().Before(created.Add(time.Duration(rec.StartValiditySecs) * time.Second)) {
		return Receipt{}, GateError{Gate: "wait"}
	}

	c, err := e.Repo.GetContext(ctx, rec.ContextID)
	if err != nil {
		return Receipt{}, err
	}
	if err := e.checkReceivers(ctx, c, receiverIDs); err != nil {
		return Receipt{}, err
	}
	for _, st := range c.Steps {
		for _, f := range st.Children {
			if f.Required {
				if _, ok := answers[f.ID]; !ok {
					return Receipt{}, ValidationError{Field: f.ID, Reason: "required field missing"}
				}
			}
		}
	}

	code, err := receipt.New()
	if err != nil {
		return Receipt{}, err
	}
	hash, err := receipt.Hash(code)
	if err != nil {
		return Receipt{}, fmt.Errorf("hash receipt: %w", err)
	}
	now := e.now().UTC().Format(tsLayout)
	sub := domain.Submission{
		ID:          uuid.NewString(),
		ContextID:   c.ID,
		TokenID:     rec.ID,
		Receivers:   receiverIDs,
		Answers:     answers,
		CreatedAt:   now,
		ReceiptHash: hash,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Receipt{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.MarkTokenUsed(ctx, tx, rec.ID, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Receipt{}, ErrTokenUsed
		}
		return Receipt{}, err
	}
	if err := e.Repo.InsertSubmission(ctx, tx, sub); err != nil {
		return Receipt{}, err
	}
	if err := e.events().Append(ctx, tx, events.SubmissionCompleted, "submission", sub.ID, events.EventPayload{
		"context_id": c.ID,
		"receivers":  receiverIDs,
	}); err != nil {
		return Receipt{}, err
	}
	if err := tx.Commit(); err != nil {
		return Receipt{}, err
	}
	log.With(log.Fields{"submission": sub.ID, "context": c.ID}).Info("submission completed")
	return Receipt{SubmissionID: sub.ID, Receipt: code}, nil
}

func (e Engine) checkReceivers(ctx context.Context, c domain.Context, ids []string) error {
	if len(ids) == 0 {
		return ValidationError{Field: "receivers", Reason: "at least one receiver required"}
	}
	if c.MaximumSelectableReceivers > 0 && len(ids) > c.MaximumSelectableReceivers {
		return ValidationError{Field: "receivers", Reason: fmt.Sprintf("at most %d receivers may be selected", c.MaximumSelectableReceivers)}
	}
	inContext := map[string]bool{}
	for _, id := range c.Receivers {
		inContext[id] = true
	}
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			return ValidationError{Field: "receivers", Reason: fmt.Sprintf("receiver %s listed twice", id)}
		}
		seen[id] = true
		if !inContext[id] {
			return ValidationError{Field: "receivers", Reason: fmt.Sprintf("receiver %s not in context %s", id, c.ID)}
		}
		r, err := e.Repo.GetReceiver(ctx, id)
		if err != nil {
			return err
		}
		if !session.Eligible(r, e.Config.Node.AllowUnencrypted) {
			return ValidationError{Field: "receivers", Reason: fmt.Sprintf("receiver %s cannot be selected", id)}
		}
	}
	return nil
}

// UploadFile attaches a file to a token that has not been redeemed yet.
func (e Engine) UploadFile(ctx context.Context, tokenID, name, contentType string, data []byte) (domain.File, error) {
	if strings.TrimSpace(name) == "" {
		return domain.File{}, ValidationError{Field: "name", Reason: "required"}
	}
	if len(data) == 0 {
		return domain.File{}, ValidationError{Field: "file", Reason: "empty upload"}
	}
	if _, err := e.usableToken(ctx, tokenID); err != nil {
		return domain.File{}, err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	f := domain.File{
		ID:          uuid.NewString(),
		TokenID:     tokenID,
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		CreatedAt:   e.now().UTC().Format(tsLayout),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.File{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertFile(ctx, tx, f, data); err != nil {
		return domain.File{}, fmt.Errorf("insert file: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.FileUploaded, "token", tokenID, events.EventPayload{"file_id": f.ID, "size": f.Size}); err != nil {
		return domain.File{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.File{}, err
	}
	return f, nil
}

// SweepExpired deletes unredeemed tokens past their lifetime.
func (e Engine) SweepExpired(ctx context.Context) (int64, error) {
	n, err := e.Repo.DeleteExpiredTokens(ctx, e.now().UTC().Format(tsLayout))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if err := e.events().Append(ctx, nil, events.TokensSwept, "token", "", events.EventPayload{"count": n}); err != nil {
			return n, err
		}
		log.Infof("swept %d expired tokens", n)
	}
	return n, nil
}

// ReceiverSubmissions lists what a receiver has been sent.
func (e Engine) ReceiverSubmissions(ctx context.Context, receiverID string) ([]domain.Submission, error) {
	if _, err := e.Repo.GetReceiver(ctx, receiverID); err != nil {
		return nil, err
	}
	return e.Repo.SubmissionsForReceiver(ctx, receiverID)
}

func (e Engine) usableToken(ctx context.Context, id string) (repo.TokenRecord, error) {
	rec, err := e.Repo.GetToken(ctx, id)
	if err != nil {
		return rec, fmt.Errorf("token %s: %w", id, err)
	}
	if rec.UsedAt != nil {
		return rec, ErrTokenUsed
	}
	expires, err := time.Parse(tsLayout, rec.ExpiresAt)
	if err != nil {
		return rec, fmt.Errorf("token expires_at: %w", err)
	}
	if !e.now().Before(expires) {
		return rec, ErrTokenExpired
	}
	return rec, nil
}

func (e Engine) tokenView(rec repo.TokenRecord) domain.Token {
	t := domain.Token{
		ID:                rec.ID,
		ContextID:         rec.ContextID,
		StartValiditySecs: rec.StartValiditySecs,
		CreatedAt:         rec.CreatedAt,
		ExpiresAt:         rec.ExpiresAt,
	}
	if rec.CaptchaQuestion != nil {
		t.HumanCaptcha = &domain.Captcha{Question: *rec.CaptchaQuestion}
	}
	if rec.PowQuestion != nil {
		t.ProofOfWork = &domain.ProofOfWork{Question: *rec.PowQuestion, Difficulty: e.Config.PowDifficulty()}
	}
	return t
}
