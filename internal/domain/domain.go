package domain

import (
	"bytes"
	"encoding/json"
)

type Node struct {
	Name                            string `json:"name"`
	EnableProofOfWork               bool   `json:"enable_proof_of_work"`
	EnableCaptcha                   bool   `json:"enable_captcha"`
	AllowUnencrypted                bool   `json:"allow_unencrypted"`
	ShowContextsInAlphabeticalOrder bool   `json:"show_contexts_in_alphabetical_order"`
	SubmissionMinimumDelay          int    `json:"submission_minimum_delay"`
	// ProofOfWorkTimeoutMs bounds each client proof-of-work attempt.
	ProofOfWorkTimeoutMs            int64  `json:"proof_of_work_timeout_ms"`
}

type Context struct {
	ID                               string   `json:"id"`
	Name                             string   `json:"name"`
	Description                      string   `json:"description,omitempty"`
	PresentationOrder                int      `json:"presentation_order"`
	ShowContext                      bool     `json:"show_context"`
	MaximumSelectableReceivers       int      `json:"maximum_selectable_receivers"`
	ShowReceivers                    bool     `json:"show_receivers"`
	ShowReceiversInAlphabeticalOrder bool     `json:"show_receivers_in_alphabetical_order"`
	Receivers                        []string `json:"receivers"`
	Steps                            []Step   `json:"steps"`
}

type Receiver struct {
	ID                string `json:"id" yaml:"id"`
	Name              string `json:"name" yaml:"name"`
	PresentationOrder int    `json:"presentation_order" yaml:"presentation_order"`
	Configuration     string `json:"configuration" yaml:"configuration" enum:"default,forcefully_selected,hidden"`
	PGPKeyStatus      string `json:"pgp_key_status" yaml:"pgp_key_status" enum:"enabled,disabled"`
}

type Step struct {
	ID       string  `json:"id"`
	Label    string  `json:"label"`
	Children []Field `json:"children"`
}

type FieldOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Field is a node of the form tree. Children are only meaningful for
// fields of type FieldGroup.
type Field struct {
	ID       string        `json:"id"`
	Label    string        `json:"label"`
	Type     string        `json:"type"`
	X        int           `json:"x"`
	Y        int           `json:"y"`
	Width    int           `json:"width"`
	Required bool          `json:"required"`
	Options  []FieldOption `json:"options,omitempty"`
	Children []Field       `json:"children,omitempty"`
}

const (
	FieldGroup    = "fieldgroup"
	FieldCheckbox = "checkbox"
)

const (
	ConfigurationDefault = "default"
	PGPKeyEnabled        = "enabled"
)

// Captcha is a human challenge attached to a token.
type Captcha struct {
	Question string `json:"question"`
}

// ProofOfWork is the challenge a client must solve before submitting.
type ProofOfWork struct {
	Question   string `json:"question"`
	// Difficulty is the number of trailing zero bytes the node accepts.
	Difficulty int    `json:"difficulty,omitempty"`
}

// Token is the server-issued submission token. HumanCaptcha and ProofOfWork
// are nil when the corresponding gate is not (or no longer) required.
type Token struct {
	ID                 string       `json:"id"`
	ContextID          string       `json:"context_id"`
	StartValiditySecs  int          `json:"start_validity_secs"`
	HumanCaptcha       *Captcha     `json:"human_captcha"`
	HumanCaptchaAnswer *int         `json:"human_captcha_answer,omitempty"`
	ProofOfWork        *ProofOfWork `json:"proof_of_work"`
	ProofOfWorkAnswer  *int64       `json:"proof_of_work_answer,omitempty"`
	CreatedAt          string       `json:"created_at" format:"date-time"`
	ExpiresAt          string       `json:"expires_at" format:"date-time"`
}

// UnmarshalJSON accepts `false` for human_captcha and proof_of_work, which
// the wire format uses to mean "not required".
func (t *Token) UnmarshalJSON(data []byte) error {
	type plain Token
	var raw struct {
		plain
		HumanCaptcha json.RawMessage `json:"human_captcha"`
		ProofOfWork  json.RawMessage `json:"proof_of_work"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = Token(raw.plain)
	t.HumanCaptcha = nil
	t.ProofOfWork = nil
	if !isFalsy(raw.HumanCaptcha) {
		var c Captcha
		if err := json.Unmarshal(raw.HumanCaptcha, &c); err != nil {
			return err
		}
		t.HumanCaptcha = &c
	}
	if !isFalsy(raw.ProofOfWork) {
		var p ProofOfWork
		if err := json.Unmarshal(raw.ProofOfWork, &p); err != nil {
			return err
		}
		t.ProofOfWork = &p
	}
	return nil
}

func isFalsy(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	return len(v) == 0 || bytes.Equal(v, []byte("null")) || bytes.Equal(v, []byte("false"))
}

type Submission struct {
	ID          string         `json:"id"`
	ContextID   string         `json:"context_id"`
	TokenID     string         `json:"token_id"`
	Receivers   []string       `json:"receivers"`
	Answers     map[string]any `json:"answers"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	FileCount   int            `json:"file_count"`
	ReceiptHash string         `json:"-"`
}

type File struct {
	ID          string `json:"id"`
	TokenID     string `json:"token_id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload"`
}
