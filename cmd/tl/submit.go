package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"tipline/internal/answers"
	"tipline/internal/domain"
	"tipline/internal/pow"
	"tipline/internal/session"
	tiplinesdk "tipline/sdk/go"
)

var errDeclined = errors.New("human challenge declined")

type submission struct {
	client     *tiplinesdk.Client
	params     session.Params
	values     map[string]any
	files      []string
	difficulty int
	powRetries int
	presenter  *terminalPresenter
	// poll is how often the gate is checked. Zero means 100ms.
	poll time.Duration
}

// submissionParams reads the wizard query string, letting --context and
// --receivers stand in for its context and receivers keys.
func submissionParams(query, contextID string, receiverIDs []string) (session.Params, error) {
	q, err := url.ParseQuery(strings.TrimPrefix(query, "?"))
	if err != nil {
		return session.Params{}, fmt.Errorf("parse --query: %w", err)
	}
	if contextID != "" {
		q.Set("context", contextID)
	}
	if len(receiverIDs) > 0 {
		raw, err := json.Marshal(receiverIDs)
		if err != nil {
			return session.Params{}, err
		}
		q.Set("receivers", string(raw))
	}
	return session.ParseQuery(q), nil
}

// runSubmission drives one session against a node until it has a receipt.
func runSubmission(ctx context.Context, sub submission) (session.Receipt, error) {
	node, err := sub.client.Node(ctx)
	if err != nil {
		return session.Receipt{}, fmt.Errorf("fetch node: %w", err)
	}
	contexts, err := sub.client.Contexts(ctx)
	if err != nil {
		return session.Receipt{}, fmt.Errorf("fetch contexts: %w", err)
	}
	receivers, err := sub.client.Receivers(ctx)
	if err != nil {
		return session.Receipt{}, fmt.Errorf("fetch receivers: %w", err)
	}

	deps := session.Deps{
		Node:      node,
		Contexts:  contexts,
		Receivers: receivers,
		Tokens:    sub.client,
		Solver:    pow.Solver{Difficulty: sub.difficulty},
	}
	if sub.presenter != nil {
		deps.Presenter = sub.presenter
	}
	s := session.New(sub.params, deps)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.Run(runCtx)

	if err := s.Begin(ctx); err != nil {
		return session.Receipt{}, err
	}
	snap := s.Snapshot()
	if snap.ContextID == "" {
		ids := make([]string, 0, len(contexts))
		for _, c := range contexts {
			ids = append(ids, c.ID)
		}
		return session.Receipt{}, fmt.Errorf("--context required; public contexts: %s", strings.Join(ids, ", "))
	}
	if len(snap.Selected) == 0 {
		return session.Receipt{}, errors.New("no receivers selected; pass --receivers")
	}
	var current domain.Context
	for _, c := range contexts {
		if c.ID == snap.ContextID {
			current = c
		}
	}

	var fillErr error
	if err := s.Answers(func(b *answers.Builder) { fillErr = fillAnswers(b, current, sub.values) }); err != nil {
		return session.Receipt{}, err
	}
	if fillErr != nil {
		return session.Receipt{}, fillErr
	}

	for _, path := range sub.files {
		if err := uploadFile(ctx, sub.client, s.UploadURL(), path); err != nil {
			return session.Receipt{}, err
		}
	}

	if err := waitForGate(ctx, s, sub); err != nil {
		return session.Receipt{}, err
	}
	return s.Complete(ctx)
}

func waitForGate(ctx context.Context, s *session.Session, sub submission) error {
	poll := sub.poll
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	t := time.NewTicker(poll)
	defer t.Stop()
	attempts := 1
	for {
		snap := s.Snapshot()
		switch {
		case snap.CanSubmit:
			return nil
		case snap.PowState == session.PowFailed:
			if attempts >= sub.powRetries {
				if snap.LastError == nil {
					return fmt.Errorf("proof of work failed after %d attempts", attempts)
				}
				return fmt.Errorf("proof of work failed after %d attempts: %w", attempts, snap.LastError)
			}
			attempts++
			if err := s.RetryProofOfWork(); err != nil {
				return err
			}
		case sub.presenter != nil && sub.presenter.Declined():
			return errDeclined
		case snap.Captcha == session.CaptchaRequired && !snap.DialogOpen && snap.LastError != nil:
			return snap.LastError
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func uploadFile(ctx context.Context, client *tiplinesdk.Client, endpoint, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	name := filepath.Base(path)
	if _, err := client.UploadFile(ctx, endpoint, name, mime.TypeByExtension(filepath.Ext(name)), f); err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	return nil
}

// fillAnswers copies values, keyed by top-level field id, into the answer
// tree of c. A list fills one entry per element, except for checkboxes
// where it names the ticked options. A fieldgroup entry is a mapping of
// child field ids.
func fillAnswers(b *answers.Builder, c domain.Context, values map[string]any) error {
	known := map[string]bool{}
	for _, st := range c.Steps {
		for _, f := range st.Children {
			known[f.ID] = true
			v, ok := values[f.ID]
			if !ok {
				continue
			}
			if err := fillEntries(b, f, b.Entries(f, nil), v); err != nil {
				return err
			}
		}
	}
	for id := range values {
		if !known[id] {
			return fmt.Errorf("context %s has no field %s", c.ID, id)
		}
	}
	return nil
}

func fillEntries(b *answers.Builder, f domain.Field, es *answers.Entries, v any) error {
	items := []any{v}
	if list, ok := v.([]any); ok && f.Type != domain.FieldCheckbox {
		items = list
	}
	for i, item := range items {
		var e answers.Entry
		if i < len(*es) {
			e = (*es)[i]
		} else {
			e = b.AddEntry(f, es)
		}
		if err := fillEntry(b, f, e, item); err != nil {
			return fmt.Errorf("%s: %w", f.ID, err)
		}
	}
	return nil
}

func fillEntry(b *answers.Builder, f domain.Field, e answers.Entry, v any) error {
	switch f.Type {
	case domain.FieldGroup:
		m, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("expected a mapping of child fields, got %T", v)
		}
		for _, child := range f.Children {
			cv, ok := m[child.ID]
			if !ok {
				continue
			}
			if err := fillEntries(b, child, b.Entries(child, e), cv); err != nil {
				return err
			}
		}
	case domain.FieldCheckbox:
		picked, ok := v.([]any)
		if !ok {
			picked = []any{v}
		}
		for _, p := range picked {
			id := fmt.Sprint(p)
			if !hasOption(f, id) {
				return fmt.Errorf("unknown option %s", id)
			}
			e[id] = true
		}
	default:
		e.SetValue(v)
	}
	return nil
}

func hasOption(f domain.Field, id string) bool {
	for _, o := range f.Options {
		if o.ID == id {
			return true
		}
	}
	return false
}

// terminalPresenter asks the human challenge on a line-oriented terminal.
// An empty line or end of input declines.
type terminalPresenter struct {
	out      io.Writer
	lines    chan string
	declined atomic.Bool
}

func newTerminalPresenter(in io.Reader, out io.Writer) *terminalPresenter {
	p := &terminalPresenter{out: out, lines: make(chan string)}
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			p.lines <- sc.Text()
		}
		close(p.lines)
	}()
	return p
}

func (p *terminalPresenter) Declined() bool { return p.declined.Load() }

func (p *terminalPresenter) Present(ctx context.Context, c domain.Captcha) (session.DialogResult, error) {
	fmt.Fprintf(p.out, "Human check: %s = ", c.Question)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(p.out)
			return session.DialogResult{}, ctx.Err()
		case line, ok := <-p.lines:
			line = strings.TrimSpace(line)
			if !ok || line == "" {
				p.declined.Store(true)
				return session.DialogResult{Outcome: session.Declined}, nil
			}
			n, err := strconv.Atoi(line)
			if err != nil {
				fmt.Fprint(p.out, "please enter a number: ")
				continue
			}
			return session.DialogResult{Outcome: session.Solved, Answer: n}, nil
		}
	}
}
