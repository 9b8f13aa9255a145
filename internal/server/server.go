package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/justinas/alice"

	"tipline/internal/domain"
	"tipline/internal/engine"
	"tipline/internal/engine/receipt"
	"tipline/internal/log"
	"tipline/internal/repo"
	"tipline/internal/session"
)

const defaultMaxUploadBytes = 32 << 20

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// MaxUploadBytes caps request bodies. Zero means 32 MiB.
	MaxUploadBytes int64
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"gate_closed"`
	Message string         `json:"message" example:"submission blocked: captcha not satisfied"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"gate\":\"captcha\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the intake API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	maxBody := cfg.MaxUploadBytes
	if maxBody <= 0 {
		maxBody = defaultMaxUploadBytes
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newReceiverAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Tipline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerNode(group, cfg.Engine)
	registerContexts(group, cfg.Engine)
	registerReceivers(group, cfg.Engine)
	registerSubmissions(group, cfg.Engine)
	registerUpload(router, basePath, cfg.Engine)
	registerReceiverInbox(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return alice.New(logRequests, limitBody(maxBody)).Then(router), nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ge engine.GateError
	if errors.As(err, &ge) {
		return newAPIError(http.StatusConflict, "gate_closed", err.Error(), map[string]any{"gate": ge.Gate})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"field": ve.Field})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrTokenExpired):
		return newAPIError(http.StatusGone, "token_expired", err.Error(), nil)
	case errors.Is(err, engine.ErrTokenUsed):
		return newAPIError(http.StatusConflict, "token_used", err.Error(), nil)
	case errors.Is(err, engine.ErrPowRejected):
		return newAPIError(http.StatusUnprocessableEntity, "pow_rejected", err.Error(), nil)
	}
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return newAPIError(http.StatusRequestEntityTooLarge, "too_large", err.Error(), map[string]any{"limit": mbe.Limit})
	}
	log.Errorf("api: %v", err)
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyReceiverSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

// applyReceiverSecurity marks the receiver routes as bearer protected; the
// whistleblower routes stay anonymous.
func applyReceiverSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	prefix := path.Join(basePath, "receiver") + "/"
	for route, item := range oas.Paths {
		if !strings.HasPrefix(route, prefix) {
			continue
		}
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete} {
			if op != nil {
				op.Security = []map[string][]string{{"bearerAuth": {}}}
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Tipline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerNode(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-node",
		Method:      http.MethodGet,
		Path:        "/node",
		Summary:     "Public node settings",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Node `json:"body"`
	}, error) {
		return &struct {
			Body domain.Node `json:"body"`
		}{Body: e.Config.NodeInfo()}, nil
	})
}

func registerContexts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-contexts",
		Method:      http.MethodGet,
		Path:        "/contexts",
		Summary:     "List public contexts with their questionnaires",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ContextListResponse `json:"body"`
	}, error) {
		all, err := e.Repo.ListContexts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		items := session.PublicContexts(all, e.Config.Node.ShowContextsInAlphabeticalOrder)
		if items == nil {
			items = []domain.Context{}
		}
		return &struct {
			Body ContextListResponse `json:"body"`
		}{Body: ContextListResponse{Items: items}}, nil
	})
}

func registerReceivers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-receivers",
		Method:      http.MethodGet,
		Path:        "/receivers",
		Summary:     "List receivers",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ReceiverListResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListReceivers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Receiver{}
		}
		return &struct {
			Body ReceiverListResponse `json:"body"`
		}{Body: ReceiverListResponse{Items: items}}, nil
	})
}

func registerSubmissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-submission",
		Method:        http.MethodPost,
		Path:          "/submission",
		Summary:       "Issue a submission token",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateSubmissionRequest `json:"body"`
	}) (*struct {
		Body domain.Token `json:"body"`
	}, error) {
		tok, err := e.IssueToken(ctx, input.Body.ContextID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Token `json:"body"`
		}{Body: tok}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-submission",
		Method:      http.MethodPut,
		Path:        "/submission/{id}",
		Summary:     "Answer the token's captcha or proof of work",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusGone, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body UpdateSubmissionRequest `json:"body"`
	}) (*struct {
		Body domain.Token `json:"body"`
	}, error) {
		tok, err := e.UpdateToken(ctx, domain.Token{
			ID:                 input.ID,
			HumanCaptchaAnswer: input.Body.HumanCaptchaAnswer,
			ProofOfWorkAnswer:  input.Body.ProofOfWorkAnswer,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Token `json:"body"`
		}{Body: tok}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "complete-submission",
		Method:        http.MethodPost,
		Path:          "/submission/{id}/complete",
		Summary:       "Redeem the token with answers and receivers",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusConflict, http.StatusGone, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string                    `path:"id"`
		Body CompleteSubmissionRequest `json:"body"`
	}) (*struct {
		Body ReceiptResponse `json:"body"`
	}, error) {
		res, err := e.Complete(ctx, input.ID, input.Body.Receivers, input.Body.Answers)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReceiptResponse `json:"body"`
		}{Body: ReceiptResponse{SubmissionID: res.SubmissionID, Receipt: res.Receipt}}, nil
	})
}

// registerUpload mounts the raw file endpoint next to the huma routes; the
// body is the file itself and the name travels in X-File-Name.
func registerUpload(r chi.Router, basePath string, e engine.Engine) {
	r.Post(path.Join(basePath, "submission/{id}/file"), func(w http.ResponseWriter, req *http.Request) {
		name := strings.TrimSpace(req.Header.Get("X-File-Name"))
		if name == "" {
			name = strings.TrimSpace(req.URL.Query().Get("name"))
		}
		data, err := io.ReadAll(req.Body)
		if err != nil {
			respondStatusError(w, handleError(fmt.Errorf("read upload: %w", err)))
			return
		}
		f, err := e.UploadFile(req.Context(), chi.URLParam(req, "id"), name, req.Header.Get("Content-Type"), data)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(f)
	})
}

func registerReceiverInbox(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "receiver-submissions",
		Method:      http.MethodGet,
		Path:        "/receiver/submissions",
		Summary:     "List submissions addressed to the authenticated receiver",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SubmissionListResponse `json:"body"`
	}, error) {
		receiverID, serr := receiverIDFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		items, err := e.ReceiverSubmissions(ctx, receiverID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Submission{}
		}
		return &struct {
			Body SubmissionListResponse `json:"body"`
		}{Body: SubmissionListResponse{Items: items}}, nil
	})
}

func registerDevAuth(api huma.API, cfg AuthConfig) {
	if !cfg.DevLogin {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-receiver-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/receiver",
		Summary:     "DEV ONLY: mint a receiver JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		id := strings.TrimSpace(input.Body.ReceiverID)
		if id == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "receiver_id is required", nil)
		}
		token, err := receipt.MintReceiverToken(cfg.JWTSecret, id, cfg.tokenTTL(), time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.With(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(started).String(),
		}).Debug("request")
	})
}

func limitBody(max int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, max)
			}
			next.ServeHTTP(w, r)
		})
	}
}
