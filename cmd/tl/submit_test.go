package main

import (
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"tipline/internal/answers"
	"tipline/internal/app"
	"tipline/internal/config"
	"tipline/internal/domain"
	"tipline/internal/engine"
	"tipline/internal/engine/receipt"
	"tipline/internal/pow"
	"tipline/internal/server"
	"tipline/internal/session"
	tiplinesdk "tipline/sdk/go"
)

func startNode(t *testing.T, mutate func(*config.Config)) (string, engine.Engine) {
	t.Helper()
	cfg := config.Default()
	cfg.Submission.PowDifficulty = 1
	cfg.Submission.MinimumDelay = 0
	if mutate != nil {
		mutate(cfg)
	}
	conn, err := app.Open(context.Background(), t.TempDir(), cfg)
	require.NoError(t, err)
	e := engine.New(conn, cfg)
	e.Captcha = func() (string, int) { return "3 + 4", 7 }
	handler, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{JWTSecret: "cli-secret"}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return srv.URL + "/api/v1", e
}

func fraudContext(t *testing.T) domain.Context {
	t.Helper()
	for _, c := range config.Default().DomainContexts() {
		if c.ID == "c-fraud" {
			return c
		}
	}
	t.Fatal("c-fraud missing from default config")
	return domain.Context{}
}

func parseValues(t *testing.T, doc string) map[string]any {
	t.Helper()
	values := map[string]any{}
	require.NoError(t, yaml.Unmarshal([]byte(doc), &values))
	return values
}

func TestFillAnswers(t *testing.T) {
	c := fraudContext(t)
	b := answers.NewBuilder()
	values := parseValues(t, `
f-summary: invoices padded
f-person:
  - f-person-name: Alice
    f-person-role: CFO
  - f-person-name: Bob
f-consent: [o-agree]
`)
	require.NoError(t, fillAnswers(b, c, values))

	out := b.Export()
	require.Equal(t, []any{map[string]any{"value": "invoices padded"}}, out["f-summary"])
	require.Equal(t, []any{map[string]any{"o-agree": true}}, out["f-consent"])
	people := out["f-person"].([]any)
	require.Len(t, people, 2)
	require.Equal(t, []any{map[string]any{"value": "Alice"}}, people[0].(map[string]any)["f-person-name"])
	require.Equal(t, []any{map[string]any{}}, people[1].(map[string]any)["f-person-role"])

	var fields []domain.Field
	for _, st := range c.Steps {
		fields = append(fields, st.Children...)
	}
	require.Empty(t, b.Missing(fields))
}

func TestFillAnswersRejectsUnknown(t *testing.T) {
	c := fraudContext(t)
	require.ErrorContains(t, fillAnswers(answers.NewBuilder(), c, map[string]any{"f-nope": "x"}), "no field f-nope")
	require.ErrorContains(t, fillAnswers(answers.NewBuilder(), c, map[string]any{"f-consent": "o-maybe"}), "unknown option o-maybe")
	require.ErrorContains(t, fillAnswers(answers.NewBuilder(), c, map[string]any{"f-person": "Alice"}), "expected a mapping")
}

func TestTerminalPresenter(t *testing.T) {
	var out strings.Builder
	p := newTerminalPresenter(strings.NewReader("seven\n7\n\n"), &out)
	ctx := context.Background()

	res, err := p.Present(ctx, domain.Captcha{Question: "3 + 4"})
	require.NoError(t, err)
	require.Equal(t, session.DialogResult{Outcome: session.Solved, Answer: 7}, res)
	require.Contains(t, out.String(), "Human check: 3 + 4 = ")
	require.Contains(t, out.String(), "please enter a number")
	require.False(t, p.Declined())

	res, err = p.Present(ctx, domain.Captcha{Question: "1 + 1"})
	require.NoError(t, err)
	require.Equal(t, session.Declined, res.Outcome)
	require.True(t, p.Declined())
}

func TestTerminalPresenterCancelled(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	p := newTerminalPresenter(r, io.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Present(ctx, domain.Captcha{Question: "1 + 1"})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, p.Declined())
}

func TestRunSubmission(t *testing.T) {
	url, e := startNode(t, nil)
	attachment := filepath.Join(t.TempDir(), "ledger.csv")
	require.NoError(t, os.WriteFile(attachment, []byte("q1,100\nq2,900\n"), 0o600))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	res, err := runSubmission(ctx, submission{
		client:     tiplinesdk.New(url),
		params:     session.Params{ContextID: "c-fraud", ReceiverIDs: []string{"r-legal"}, ContextsSelectable: true, ReceiversSelectable: true},
		values:     parseValues(t, "f-summary: invoices padded\nf-consent: [o-agree]\n"),
		files:      []string{attachment},
		difficulty: 1,
		powRetries: 3,
		presenter:  newTerminalPresenter(strings.NewReader("9\n7\n"), io.Discard),
		poll:       5 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Len(t, res.Receipt, receipt.Digits)

	subs, err := e.ReceiverSubmissions(ctx, "r-legal")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, res.SubmissionID, subs[0].ID)
	require.Equal(t, 1, subs[0].FileCount)
}

func TestRunSubmissionDeclined(t *testing.T) {
	url, _ := startNode(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	_, err := runSubmission(ctx, submission{
		client:     tiplinesdk.New(url),
		params:     session.Params{ContextID: "c-safety", ContextsSelectable: true, ReceiversSelectable: true},
		values:     map[string]any{"f-description": "blocked exit"},
		difficulty: 1,
		powRetries: 3,
		presenter:  newTerminalPresenter(strings.NewReader("\n"), io.Discard),
		poll:       5 * time.Millisecond,
	})
	require.ErrorIs(t, err, errDeclined)
}

func TestRunSubmissionNeedsContext(t *testing.T) {
	url, _ := startNode(t, nil)
	ctx := context.Background()
	_, err := runSubmission(ctx, submission{
		client:    tiplinesdk.New(url),
		params:    session.Params{ContextsSelectable: true, ReceiversSelectable: true},
		presenter: newTerminalPresenter(strings.NewReader(""), io.Discard),
	})
	require.ErrorContains(t, err, "public contexts: c-fraud, c-safety")
}

func TestRunSubmissionFollowsNodeDifficulty(t *testing.T) {
	url, e := startNode(t, func(c *config.Config) { c.Submission.PowDifficulty = 2 })
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	res, err := runSubmission(ctx, submission{
		client:     tiplinesdk.New(url),
		params:     session.Params{ContextID: "c-safety", ContextsSelectable: true, ReceiversSelectable: true},
		values:     map[string]any{"f-description": "blocked exit"},
		difficulty: 1,
		powRetries: 1,
		presenter:  newTerminalPresenter(strings.NewReader("7\n"), io.Discard),
		poll:       5 * time.Millisecond,
	})
	require.NoError(t, err)

	subs, err := e.ReceiverSubmissions(ctx, "r-audit")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, res.SubmissionID, subs[0].ID)
}

func TestRunSubmissionNodePowTimeout(t *testing.T) {
	url, _ := startNode(t, func(c *config.Config) {
		c.Node.EnableCaptcha = false
		c.Submission.PowDifficulty = 4
		c.Submission.PowTimeout = "20ms"
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	_, err := runSubmission(ctx, submission{
		client:     tiplinesdk.New(url),
		params:     session.Params{ContextID: "c-safety", ContextsSelectable: true, ReceiversSelectable: true},
		values:     map[string]any{"f-description": "blocked exit"},
		difficulty: 1,
		powRetries: 1,
		poll:       5 * time.Millisecond,
	})
	require.ErrorIs(t, err, pow.ErrTimeout)
	require.ErrorContains(t, err, "proof of work failed after 1 attempts")
}

func TestSubmissionParams(t *testing.T) {
	p, err := submissionParams(`context=c-fraud&receivers=["r-legal"]&receivers_selectable=false`, "", nil)
	require.NoError(t, err)
	require.Equal(t, session.Params{ContextID: "c-fraud", ReceiverIDs: []string{"r-legal"}, ContextsSelectable: true, ReceiversSelectable: false}, p)

	p, err = submissionParams("?context=c-fraud&contexts_selectable=false", "c-safety", []string{"r-audit"})
	require.NoError(t, err)
	require.Equal(t, session.Params{ContextID: "c-safety", ReceiverIDs: []string{"r-audit"}, ContextsSelectable: false, ReceiversSelectable: true}, p)

	p, err = submissionParams("", "", nil)
	require.NoError(t, err)
	require.Equal(t, session.Params{ReceiverIDs: []string{}, ContextsSelectable: true, ReceiversSelectable: true}, p)

	_, err = submissionParams("context=%zz", "", nil)
	require.ErrorContains(t, err, "parse --query")
}

func TestRunSubmissionFromQuery(t *testing.T) {
	url, e := startNode(t, nil)
	params, err := submissionParams(`context=c-fraud&receivers=["r-legal"]&receivers_selectable=false`, "", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	res, err := runSubmission(ctx, submission{
		client:     tiplinesdk.New(url),
		params:     params,
		values:     parseValues(t, "f-summary: invoices padded\nf-consent: [o-agree]\n"),
		difficulty: 1,
		powRetries: 3,
		presenter:  newTerminalPresenter(strings.NewReader("7\n"), io.Discard),
		poll:       5 * time.Millisecond,
	})
	require.NoError(t, err)

	subs, err := e.ReceiverSubmissions(ctx, "r-legal")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, res.SubmissionID, subs[0].ID)
}
