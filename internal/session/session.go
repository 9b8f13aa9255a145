// Package session drives one whistleblower's way through the submission
// wizard: it obtains a token for the chosen context, keeps the anti-abuse
// gate (human challenge, proof of work, validity countdown) and only lets
// Complete through once every check has cleared.
//
// All state is owned by a single loop goroutine started with Run. Network
// calls, the challenge presenter and the proof-of-work worker run on their
// own goroutines and report back by posting onto the loop, tagged with the
// generation they were started under so that results belonging to an
// abandoned submission are dropped.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tipline/internal/answers"
	"tipline/internal/domain"
	"tipline/internal/log"
	"tipline/internal/pow"
)

var (
	ErrClosed          = errors.New("session closed")
	ErrNoSubmission    = errors.New("no submission in progress")
	ErrBlocked         = errors.New("submission blocked by anti-abuse checks")
	ErrIncomplete      = errors.New("required fields missing")
	ErrUnknownContext  = errors.New("unknown context")
	ErrContextLocked   = errors.New("context cannot be changed")
	ErrSuperseded      = errors.New("submission superseded")
	ErrUnknownReceiver = errors.New("unknown receiver")
)

// TokenResource issues, refreshes and redeems submission tokens.
type TokenResource interface {
	Create(ctx context.Context, contextID string, receiverIDs []string) (domain.Token, error)
	Update(ctx context.Context, token domain.Token) (domain.Token, error)
	Submit(ctx context.Context, tokenID string, receiverIDs []string, answers map[string]any) (Receipt, error)
}

type Receipt struct {
	SubmissionID string `json:"submission_id"`
	Receipt      string `json:"receipt"`
}

type Outcome int

const (
	Declined Outcome = iota
	Solved
)

// DialogResult is what the challenge presenter resolves with. Answer is
// only meaningful when Outcome is Solved.
type DialogResult struct {
	Outcome Outcome
	Answer  int
}

// ChallengePresenter shows a human challenge and waits for the user. It
// must return promptly once ctx is cancelled.
type ChallengePresenter interface {
	Present(ctx context.Context, challenge domain.Captcha) (DialogResult, error)
}

// Solver computes a proof-of-work answer.
type Solver interface {
	Solve(ctx context.Context, challenge domain.ProofOfWork) (int64, error)
}

// Deps is everything a session reads from its surroundings.
type Deps struct {
	Node      domain.Node
	Contexts  []domain.Context
	Receivers []domain.Receiver
	Tokens    TokenResource
	Presenter ChallengePresenter
	Solver    Solver
	// PowTimeout bounds each proof-of-work attempt. Zero means the node's
	// published timeout, or two minutes when it has none.
	PowTimeout time.Duration
	// TickInterval is the countdown period. Zero means one second.
	TickInterval time.Duration
}

// Submission is the in-progress submission for the selected context.
type Submission struct {
	Token     domain.Token
	Context   domain.Context
	Countdown Countdown
	Pow       bool
	Selection *Selection
	Answers   *answers.Builder
}

// Wait reports whether the validity window is still closed.
func (s *Submission) Wait() bool { return s.Countdown.Waiting }

type Session struct {
	params    Params
	deps      Deps
	receivers map[string]domain.Receiver

	tasks chan func()
	done  chan struct{}

	// owned by the loop
	runCtx        context.Context
	gen           int
	sub           *Submission
	steps         Steps
	skipFirstStep bool
	gate          Gate
	dialogID      int
	dialogCancel  context.CancelFunc
	workerCancel  context.CancelFunc
	lastErr       error
	completed     *Receipt
}

func New(params Params, deps Deps) *Session {
	if deps.PowTimeout <= 0 {
		deps.PowTimeout = time.Duration(deps.Node.ProofOfWorkTimeoutMs) * time.Millisecond
	}
	if deps.PowTimeout <= 0 {
		deps.PowTimeout = 2 * time.Minute
	}
	if deps.TickInterval <= 0 {
		deps.TickInterval = time.Second
	}
	byID := make(map[string]domain.Receiver, len(deps.Receivers))
	for _, r := range deps.Receivers {
		byID[r.ID] = r
	}
	return &Session{
		params:    params,
		deps:      deps,
		receivers: byID,
		tasks:     make(chan func(), 32),
		done:      make(chan struct{}),
	}
}

// Run executes the session loop until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	s.runCtx = ctx
	defer close(s.done)
	defer s.abandon()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-s.tasks:
			fn()
		}
	}
}

// do runs fn on the loop and waits for it.
func (s *Session) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case s.tasks <- func() { fn(); close(finished) }:
	case <-s.done:
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// post queues fn from a background goroutine.
func (s *Session) post(fn func()) {
	select {
	case s.tasks <- fn:
	case <-s.done:
	}
}

// Begin preselects the context named in the query, or the only public one,
// and prepares its submission. It does nothing when neither applies.
func (s *Session) Begin(ctx context.Context) error {
	c, ok := initialContext(s.params, s.deps.Contexts, s.deps.Node.ShowContextsInAlphabeticalOrder)
	if !ok {
		if s.params.ContextID != "" {
			return fmt.Errorf("%w: %s", ErrUnknownContext, s.params.ContextID)
		}
		return nil
	}
	return s.selectContext(ctx, c.ID, true)
}

// SelectContext abandons any submission in progress and starts a new one
// for contextID, returning once its token has been issued.
func (s *Session) SelectContext(ctx context.Context, contextID string) error {
	return s.selectContext(ctx, contextID, false)
}

func (s *Session) selectContext(ctx context.Context, contextID string, initial bool) error {
	if !initial && !s.params.ContextsSelectable && contextID != s.params.ContextID {
		return ErrContextLocked
	}
	var c domain.Context
	found := false
	for _, cc := range s.deps.Contexts {
		if cc.ID == contextID {
			c, found = cc, true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownContext, contextID)
	}

	var gen int
	if err := s.do(func() {
		s.abandon()
		s.gen++
		gen = s.gen
		s.steps = Steps{Context: &c}
		s.gate = Gate{}
		s.lastErr = nil
		s.completed = nil
	}); err != nil {
		return err
	}

	tok, err := s.deps.Tokens.Create(ctx, c.ID, []string{})
	if err != nil {
		s.do(func() {
			if gen == s.gen {
				s.lastErr = err
			}
		})
		return fmt.Errorf("create token: %w", err)
	}

	superseded := false
	if err := s.do(func() {
		if gen != s.gen {
			superseded = true
			return
		}
		s.prepare(gen, c, tok)
	}); err != nil {
		return err
	}
	if superseded {
		return ErrSuperseded
	}
	return nil
}

func (s *Session) prepare(gen int, c domain.Context, tok domain.Token) {
	sub := &Submission{
		Token:     tok,
		Context:   c,
		Countdown: NewCountdown(tok.StartValiditySecs),
		Selection: NewSelection(c.MaximumSelectableReceivers, s.deps.Node.AllowUnencrypted),
		Answers:   answers.NewBuilder(),
	}
	s.sub = sub
	for _, st := range c.Steps {
		sub.Answers.Register(st)
	}
	log.With(log.Fields{"context": c.ID, "token": tok.ID, "validity": tok.StartValiditySecs}).Debug("session: token issued")

	s.gate.Wait = sub.Countdown.Waiting
	if sub.Countdown.Waiting {
		s.scheduleTick(gen)
	}

	if tok.HumanCaptcha != nil {
		s.gate.Captcha = CaptchaRequired
		s.openDialog(gen)
	} else {
		s.gate.Captcha = CaptchaNotRequired
	}

	if !s.deps.Node.EnableProofOfWork || tok.ProofOfWork == nil {
		s.gate.Pow = PowSolved
		sub.Pow = true
	} else {
		s.gate.Pow = PowPending
		s.startWorker(gen, *tok.ProofOfWork)
	}

	s.preselect(c)

	s.skipFirstStep = !s.params.ReceiversSelectable || !c.ShowReceivers
	if s.skipFirstStep {
		s.steps.Index = 1
	} else {
		s.steps.Index = 0
	}
}

// preselect applies the receivers named in the query, or every receiver of
// a context that does not let the user choose. Limits and eligibility
// still apply.
func (s *Session) preselect(c domain.Context) {
	inContext := map[string]bool{}
	for _, id := range c.Receivers {
		inContext[id] = true
	}
	ids := s.params.ReceiverIDs
	if len(ids) == 0 && !c.ShowReceivers {
		ids = c.Receivers
	}
	for _, id := range ids {
		r, ok := s.receivers[id]
		if !ok || !inContext[id] || s.sub.Selection.IsSelected(id) {
			continue
		}
		s.sub.Selection.Toggle(r)
	}
}

func (s *Session) scheduleTick(gen int) {
	time.AfterFunc(s.deps.TickInterval, func() {
		s.post(func() { s.tick(gen) })
	})
}

func (s *Session) tick(gen int) {
	if gen != s.gen || s.sub == nil {
		return
	}
	if s.sub.Countdown.Tick() {
		s.scheduleTick(gen)
	}
	s.gate.Wait = s.sub.Countdown.Waiting
}

func (s *Session) openDialog(gen int) {
	if s.dialogCancel != nil {
		s.dialogCancel()
		s.dialogCancel = nil
	}
	if s.sub.Token.HumanCaptcha == nil {
		return
	}
	if s.deps.Presenter == nil {
		s.lastErr = errors.New("human challenge required but no presenter configured")
		return
	}
	ctx, cancel := context.WithCancel(s.runCtx)
	s.dialogCancel = cancel
	s.dialogID++
	id := s.dialogID
	challenge := *s.sub.Token.HumanCaptcha
	go func() {
		res, err := s.deps.Presenter.Present(ctx, challenge)
		s.post(func() { s.onDialog(gen, id, res, err) })
	}()
}

func (s *Session) onDialog(gen, id int, res DialogResult, err error) {
	if gen != s.gen || id != s.dialogID || s.sub == nil {
		return
	}
	if s.dialogCancel != nil {
		s.dialogCancel()
		s.dialogCancel = nil
	}
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.fail("challenge dialog", err)
		}
		return
	}
	if res.Outcome != Solved {
		log.Debugf("session: challenge declined for token %s", s.sub.Token.ID)
		return
	}
	payload := s.sub.Token
	answer := res.Answer
	payload.HumanCaptchaAnswer = &answer
	payload.ProofOfWorkAnswer = nil
	go func() {
		tok, err := s.deps.Tokens.Update(s.runCtx, payload)
		s.post(func() { s.onRefreshed(gen, tok, err) })
	}()
}

func (s *Session) onRefreshed(gen int, tok domain.Token, err error) {
	if gen != s.gen || s.sub == nil {
		return
	}
	if err != nil {
		s.fail("refresh token", err)
		return
	}
	s.sub.Token.HumanCaptcha = tok.HumanCaptcha
	s.sub.Token.HumanCaptchaAnswer = nil
	s.sub.Token.ExpiresAt = tok.ExpiresAt
	if s.sub.Token.HumanCaptcha != nil {
		s.openDialog(gen)
		return
	}
	s.gate.Captcha = CaptchaSatisfied
	log.Debugf("session: challenge satisfied for token %s", s.sub.Token.ID)
}

func (s *Session) startWorker(gen int, challenge domain.ProofOfWork) {
	if s.workerCancel != nil {
		s.workerCancel()
	}
	if s.deps.Solver == nil {
		s.gate.Pow = PowFailed
		s.lastErr = errors.New("proof of work required but no solver configured")
		return
	}
	ctx, cancel := context.WithTimeout(s.runCtx, s.deps.PowTimeout)
	s.workerCancel = cancel
	go func() {
		n, err := s.deps.Solver.Solve(ctx, challenge)
		cancel()
		s.post(func() { s.onPowAnswer(gen, n, err) })
	}()
}

func (s *Session) onPowAnswer(gen int, n int64, err error) {
	if gen != s.gen || s.sub == nil {
		return
	}
	s.workerCancel = nil
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = pow.ErrTimeout
		}
		s.gate.Pow = PowFailed
		s.fail("proof of work", err)
		return
	}
	s.sub.Token.ProofOfWorkAnswer = &n
	payload := s.sub.Token
	payload.HumanCaptchaAnswer = nil
	go func() {
		tok, err := s.deps.Tokens.Update(s.runCtx, payload)
		s.post(func() { s.onPowUpdated(gen, tok, err) })
	}()
}

func (s *Session) onPowUpdated(gen int, tok domain.Token, err error) {
	if gen != s.gen || s.sub == nil {
		return
	}
	if err != nil {
		s.gate.Pow = PowFailed
		s.fail("submit proof of work", err)
		return
	}
	s.sub.Token.ProofOfWork = tok.ProofOfWork
	s.sub.Token.ExpiresAt = tok.ExpiresAt
	s.sub.Pow = true
	s.gate.Pow = PowSolved
	log.Debugf("session: proof of work accepted for token %s", s.sub.Token.ID)
}

func (s *Session) fail(what string, err error) {
	s.lastErr = fmt.Errorf("%s: %w", what, err)
	log.With(log.Fields{"gen": s.gen}).Warnf("session: %v", s.lastErr)
}

// abandon drops the current submission without waiting for anything it
// started.
func (s *Session) abandon() {
	if s.dialogCancel != nil {
		s.dialogCancel()
		s.dialogCancel = nil
	}
	if s.workerCancel != nil {
		s.workerCancel()
		s.workerCancel = nil
	}
	s.sub = nil
}

// Abandon discards the submission in progress.
func (s *Session) Abandon() error {
	return s.do(func() {
		s.abandon()
		s.gen++
		s.steps = Steps{}
		s.gate = Gate{}
	})
}

// RetryChallenge reopens the human challenge after it was declined or its
// refresh failed.
func (s *Session) RetryChallenge() error {
	var err error
	s.do(func() {
		if s.sub == nil {
			err = ErrNoSubmission
			return
		}
		if s.gate.Captcha == CaptchaRequired && s.dialogCancel == nil {
			s.lastErr = nil
			s.openDialog(s.gen)
		}
	})
	return err
}

// RetryProofOfWork restarts the worker after a failure.
func (s *Session) RetryProofOfWork() error {
	var err error
	s.do(func() {
		if s.sub == nil {
			err = ErrNoSubmission
			return
		}
		if s.gate.Pow != PowFailed {
			return
		}
		s.lastErr = nil
		if s.sub.Token.ProofOfWork == nil {
			s.gate.Pow = PowSolved
			s.sub.Pow = true
			return
		}
		s.gate.Pow = PowPending
		s.startWorker(s.gen, *s.sub.Token.ProofOfWork)
	})
	return err
}

// Toggle flips a receiver's selection for the current submission. It
// reports whether the selection changed.
func (s *Session) Toggle(receiverID string) (bool, error) {
	var changed bool
	var err error
	if derr := s.do(func() {
		if s.sub == nil {
			err = ErrNoSubmission
			return
		}
		r, ok := s.receivers[receiverID]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownReceiver, receiverID)
			return
		}
		for _, id := range s.sub.Context.Receivers {
			if id == receiverID {
				changed = s.sub.Selection.Toggle(r)
				return
			}
		}
	}); derr != nil {
		return false, derr
	}
	return changed, err
}

// Selectable reports whether another receiver may be selected.
func (s *Session) Selectable() (bool, error) {
	var ok bool
	err := s.do(func() { ok = s.sub != nil && s.sub.Selection.Selectable() })
	return ok, err
}

// Receivers returns the receivers of the selected context in display order.
func (s *Session) Receivers() ([]domain.Receiver, error) {
	var out []domain.Receiver
	err := s.do(func() {
		if s.steps.Context != nil {
			out = OrderReceivers(*s.steps.Context, s.receivers)
		}
	})
	return out, err
}

// HasNext, HasPrevious, Next, Previous and GoTo return ErrClosed once Run
// has exited.
func (s *Session) HasNext() (bool, error) {
	var ok bool
	err := s.do(func() { ok = s.steps.HasNext() })
	return ok, err
}

func (s *Session) HasPrevious() (bool, error) {
	var ok bool
	err := s.do(func() { ok = s.steps.HasPrevious() })
	return ok, err
}

func (s *Session) Next() (int, error) {
	var i int
	err := s.do(func() { s.steps.Increment(); i = s.steps.Index })
	return i, err
}

func (s *Session) Previous() (int, error) {
	var i int
	err := s.do(func() { s.steps.Decrement(); i = s.steps.Index })
	return i, err
}

// GoTo jumps to a step; the receiver step is unreachable when skipped.
func (s *Session) GoTo(index int) (int, error) {
	var i int
	err := s.do(func() {
		first := 0
		if s.skipFirstStep {
			first = 1
		}
		s.steps.GoTo(index, first)
		i = s.steps.Index
	})
	return i, err
}

// Answers runs fn on the loop with the submission's answer builder.
func (s *Session) Answers(fn func(*answers.Builder)) error {
	var err error
	if derr := s.do(func() {
		if s.sub == nil {
			err = ErrNoSubmission
			return
		}
		fn(s.sub.Answers)
	}); derr != nil {
		return derr
	}
	return err
}

// UploadURL is the relative endpoint for attaching files to the token.
func (s *Session) UploadURL() string {
	var u string
	s.do(func() {
		if s.sub != nil {
			u = "submission/" + s.sub.Token.ID + "/file"
		}
	})
	return u
}

// Complete posts the answers once the gate is open and returns the
// receipt. The submission is discarded on success.
func (s *Session) Complete(ctx context.Context) (Receipt, error) {
	var (
		gen       int
		tokenID   string
		receivers []string
		payload   map[string]any
		err       error
	)
	if derr := s.do(func() {
		if s.sub == nil {
			err = ErrNoSubmission
			return
		}
		if !s.gate.Open() {
			err = fmt.Errorf("%w: captcha=%s pow=%s wait=%t", ErrBlocked, s.gate.Captcha, s.gate.Pow, s.gate.Wait)
			return
		}
		var fields []domain.Field
		for _, st := range s.sub.Context.Steps {
			fields = append(fields, st.Children...)
		}
		if missing := s.sub.Answers.Missing(fields); len(missing) > 0 {
			err = fmt.Errorf("%w: %v", ErrIncomplete, missing)
			return
		}
		gen = s.gen
		tokenID = s.sub.Token.ID
		receivers = s.sub.Selection.IDs()
		payload = s.sub.Answers.Export()
	}); derr != nil {
		return Receipt{}, derr
	}
	if err != nil {
		return Receipt{}, err
	}
	receipt, err := s.deps.Tokens.Submit(ctx, tokenID, receivers, payload)
	if err != nil {
		s.do(func() {
			if gen == s.gen {
				s.lastErr = err
			}
		})
		return Receipt{}, fmt.Errorf("submit: %w", err)
	}
	s.do(func() {
		if gen == s.gen {
			s.abandon()
			s.completed = &receipt
		}
	})
	return receipt, nil
}

// Snapshot is a read-only view of the session state.
type Snapshot struct {
	ContextID     string
	TokenID       string
	Step          int
	SkipFirstStep bool
	Countdown     int
	Wait          bool
	Pow           bool
	Captcha       CaptchaState
	PowState      PowState
	Selected      []string
	CanSubmit     bool
	DialogOpen    bool
	Completed     *Receipt
	LastError     error
}

func (s *Session) Snapshot() Snapshot {
	var snap Snapshot
	s.do(func() {
		snap = Snapshot{
			Step:          s.steps.Index,
			SkipFirstStep: s.skipFirstStep,
			Captcha:       s.gate.Captcha,
			PowState:      s.gate.Pow,
			Wait:          s.gate.Wait,
			CanSubmit:     s.sub != nil && s.gate.Open(),
			DialogOpen:    s.dialogCancel != nil,
			Completed:     s.completed,
			LastError:     s.lastErr,
		}
		if s.steps.Context != nil {
			snap.ContextID = s.steps.Context.ID
		}
		if s.sub != nil {
			snap.TokenID = s.sub.Token.ID
			snap.Countdown = s.sub.Countdown.Remaining
			snap.Pow = s.sub.Pow
			snap.Selected = s.sub.Selection.IDs()
		}
	})
	return snap
}
