package server

import "tipline/internal/domain"

// Request payloads

type CreateSubmissionRequest struct {
	ContextID string `json:"context_id"`
	// Receivers is accepted for compatibility; the selection is only
	// binding at completion.
	Receivers []string `json:"receivers,omitempty"`
}

type UpdateSubmissionRequest struct {
	HumanCaptchaAnswer *int   `json:"human_captcha_answer,omitempty"`
	ProofOfWorkAnswer  *int64 `json:"proof_of_work_answer,omitempty"`
}

type CompleteSubmissionRequest struct {
	Receivers []string       `json:"receivers"`
	Answers   map[string]any `json:"answers"`
}

type DevLoginRequest struct {
	ReceiverID string `json:"receiver_id"`
}

// Responses

type ContextListResponse struct {
	Items []domain.Context `json:"items"`
}

type ReceiverListResponse struct {
	Items []domain.Receiver `json:"items"`
}

type SubmissionListResponse struct {
	Items []domain.Submission `json:"items"`
}

type ReceiptResponse struct {
	SubmissionID string `json:"submission_id"`
	Receipt      string `json:"receipt"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}
