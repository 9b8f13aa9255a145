package tiplinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tipline/internal/domain"
	"tipline/internal/session"
)

// Client is a minimal Tipline HTTP API client. It satisfies
// session.TokenResource.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

var _ session.TokenResource = (*Client)(nil)

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://localhost:8080/api/v1.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Code returns the error code from the response envelope, if any.
func (e *APIError) Code() string {
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(e.Body), &env); err != nil {
		return ""
	}
	return env.Error.Code
}

// Node fetches the public node settings.
func (c *Client) Node(ctx context.Context) (domain.Node, error) {
	var resp domain.Node
	err := c.do(ctx, http.MethodGet, "node", nil, &resp)
	return resp, err
}

// Contexts lists the public contexts.
func (c *Client) Contexts(ctx context.Context) ([]domain.Context, error) {
	var resp struct {
		Items []domain.Context `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "contexts", nil, &resp)
	return resp.Items, err
}

// Receivers lists all receivers.
func (c *Client) Receivers(ctx context.Context) ([]domain.Receiver, error) {
	var resp struct {
		Items []domain.Receiver `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "receivers", nil, &resp)
	return resp.Items, err
}

// Create issues a submission token.
func (c *Client) Create(ctx context.Context, contextID string, receiverIDs []string) (domain.Token, error) {
	if receiverIDs == nil {
		receiverIDs = []string{}
	}
	body := map[string]any{
		"context_id": contextID,
		"receivers":  receiverIDs,
	}
	var resp domain.Token
	err := c.do(ctx, http.MethodPost, "submission", body, &resp)
	return resp, err
}

// Update sends whichever challenge answers tok carries.
func (c *Client) Update(ctx context.Context, tok domain.Token) (domain.Token, error) {
	body := map[string]any{}
	if tok.HumanCaptchaAnswer != nil {
		body["human_captcha_answer"] = *tok.HumanCaptchaAnswer
	}
	if tok.ProofOfWorkAnswer != nil {
		body["proof_of_work_answer"] = *tok.ProofOfWorkAnswer
	}
	var resp domain.Token
	err := c.do(ctx, http.MethodPut, "submission/"+url.PathEscape(tok.ID), body, &resp)
	return resp, err
}

// Submit redeems the token and returns the receipt.
func (c *Client) Submit(ctx context.Context, tokenID string, receiverIDs []string, answers map[string]any) (session.Receipt, error) {
	if receiverIDs == nil {
		receiverIDs = []string{}
	}
	body := map[string]any{
		"receivers": receiverIDs,
		"answers":   answers,
	}
	var resp session.Receipt
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("submission/%s/complete", url.PathEscape(tokenID)), body, &resp)
	return resp, err
}

// UploadFile attaches a file to an unredeemed token. endpoint is the
// relative upload URL of the submission.
func (c *Client) UploadFile(ctx context.Context, endpoint, name, contentType string, r io.Reader) (domain.File, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(endpoint), r)
	if err != nil {
		return domain.File{}, err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-File-Name", name)
	var f domain.File
	err = c.send(req, &f)
	return f, err
}

// ReceiverSubmissions lists the submissions of the receiver identified by
// BearerToken.
func (c *Client) ReceiverSubmissions(ctx context.Context) ([]domain.Submission, error) {
	var resp struct {
		Items []domain.Submission `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "receiver/submissions", nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) url(endpoint string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
}
