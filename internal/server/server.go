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

	"chronotrial/internal/engine"
	"chronotrial/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"duplicate_plate"`
	Message string         `json:"message" example:"plate already registered for this trial"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope returned on every failure.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the scoreboard API: trial state,
// registrations, rankings and statistics, plus the record-finish mutation
// used by remote timing consoles.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the error envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Chronotrial API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	// On the root API so probes work unauthenticated regardless of base path.
	registerHealth(api)
	registerTrials(group, cfg.Engine)
	registerRegistrations(group, cfg.Engine)
	registerResults(group, cfg.Engine)
	registerRankings(group, cfg.Engine)
	registerStats(group, cfg.Engine)
	if err := registerOpenAPI(router, api, basePath); err != nil {
		return nil, err
	}

	return router, nil
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
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrDuplicatePlate):
		return newAPIError(http.StatusUnprocessableEntity, "duplicate_plate", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidDuration):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_duration", err.Error(), nil)
	case errors.Is(err, engine.ErrValidation):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	case errors.Is(err, engine.ErrState), errors.Is(err, engine.ErrHasResults):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string) error {
	// All operations are registered by now, so the document is complete
	// and can be rendered once.
	spec, err := json.Marshal(api.OpenAPI())
	if err != nil {
		return fmt.Errorf("render openapi: %w", err)
	}
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
	return nil
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Chronotrial API Docs</title>
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

func registerTrials(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-trials",
		Method:      http.MethodGet,
		Path:        "/trials",
		Summary:     "List trials",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"scheduled,running,finished,"`
		OnDate string `query:"on_date"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []TrialResponse `json:"body"`
	}, error) {
		trials, err := e.Repo.ListTrials(ctx, repo.TrialFilters{
			Status: input.Status,
			OnDate: input.OnDate,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TrialResponse `json:"body"`
		}{Body: mapTrials(trials)}, nil
	})

	// Registered before /trials/{id} so the literal segment wins.
	huma.Register(api, huma.Operation{
		OperationID: "running-trial",
		Method:      http.MethodGet,
		Path:        "/trials/running",
		Summary:     "Currently running trial",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TrialResponse `json:"body"`
	}, error) {
		t, err := e.FindRunningTrial(ctx, 0)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TrialResponse `json:"body"`
		}{Body: trialResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-trial",
		Method:      http.MethodGet,
		Path:        "/trials/{id}",
		Summary:     "Get trial",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body TrialResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTrial(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TrialResponse `json:"body"`
		}{Body: trialResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "trial-summary",
		Method:      http.MethodGet,
		Path:        "/trials/{id}/summary",
		Summary:     "Trial summary",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body SummaryResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTrial(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		s, err := e.Repo.TrialSummary(ctx, t)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SummaryResponse `json:"body"`
		}{Body: summaryResponse(s)}, nil
	})
}

func registerRegistrations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-participants",
		Method:      http.MethodGet,
		Path:        "/trials/{id}/participants",
		Summary:     "List trial participants",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body []RegistrationResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetTrial(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		regs, err := e.Repo.ListRegistrationsByTrial(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RegistrationResponse `json:"body"`
		}{Body: mapRegistrations(regs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "find-participant",
		Method:      http.MethodGet,
		Path:        "/trials/{id}/participants/{plate}",
		Summary:     "Find participant by plate",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    int64  `path:"id"`
		Plate string `path:"plate"`
	}) (*struct {
		Body RegistrationResponse `json:"body"`
	}, error) {
		reg, err := e.Repo.GetRegistrationByPlate(ctx, input.ID, input.Plate)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RegistrationResponse `json:"body"`
		}{Body: registrationResponse(reg)}, nil
	})
}

func registerResults(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-results",
		Method:      http.MethodGet,
		Path:        "/trials/{id}/results",
		Summary:     "List trial results",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body []ResultResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetTrial(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		results, err := e.Repo.ListResultsByTrial(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ResultResponse `json:"body"`
		}{Body: mapResults(results)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-finish",
		Method:        http.MethodPost,
		Path:          "/trials/{id}/finish",
		Summary:       "Record a finish batch",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64               `path:"id"`
		Body RecordFinishRequest `json:"body"`
	}) (*struct {
		Body FinishBatchResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Plates) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "plates is required", nil)
		}
		end := time.Now()
		if input.Body.EndTime != "" {
			parsed, err := time.Parse(time.RFC3339, input.Body.EndTime)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "end_time must be RFC 3339", map[string]any{"end_time": input.Body.EndTime})
			}
			end = parsed
		}
		outcomes, err := e.RecordFinish(ctx, input.ID, input.Body.Plates, end, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FinishBatchResponse `json:"body"`
		}{Body: FinishBatchResponse{Outcomes: outcomes}}, nil
	})
}

func registerRankings(api huma.API, e engine.Engine) {
	type ranked struct {
		Body []RankingEntryResponse `json:"body"`
	}
	rank := func(ctx context.Context, policyName string, run func(repo.RankPolicy) ([]RankingEntryResponse, error)) (*ranked, error) {
		policy, err := engine.ParsePolicy(policyName)
		if err != nil {
			return nil, handleError(err)
		}
		entries, err := run(policy)
		if err != nil {
			return nil, handleError(err)
		}
		return &ranked{Body: entries}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "rank-trial",
		Method:      http.MethodGet,
		Path:        "/trials/{id}/rankings",
		Summary:     "Trial ranking",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID     int64  `path:"id"`
		Policy string `query:"policy" enum:"current,best,"`
	}) (*ranked, error) {
		if _, err := e.Repo.GetTrial(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return rank(ctx, input.Policy, func(policy repo.RankPolicy) ([]RankingEntryResponse, error) {
			entries, err := e.Repo.RankTrial(ctx, input.ID, policy)
			if err != nil {
				return nil, err
			}
			return mapRankingEntries(entries), nil
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "rank-category",
		Method:      http.MethodGet,
		Path:        "/trials/{id}/rankings/category/{name}",
		Summary:     "Trial ranking for one category",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID     int64  `path:"id"`
		Name   string `path:"name"`
		Policy string `query:"policy" enum:"current,best,"`
	}) (*ranked, error) {
		if _, err := e.Repo.GetTrial(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return rank(ctx, input.Policy, func(policy repo.RankPolicy) ([]RankingEntryResponse, error) {
			entries, err := e.Repo.RankByCategory(ctx, input.ID, input.Name, policy)
			if err != nil {
				return nil, err
			}
			return mapRankingEntries(entries), nil
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "rank-modality",
		Method:      http.MethodGet,
		Path:        "/trials/{id}/rankings/modality/{name}",
		Summary:     "Trial ranking for one modality",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID     int64  `path:"id"`
		Name   string `path:"name"`
		Policy string `query:"policy" enum:"current,best,"`
	}) (*ranked, error) {
		if _, err := e.Repo.GetTrial(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return rank(ctx, input.Policy, func(policy repo.RankPolicy) ([]RankingEntryResponse, error) {
			entries, err := e.Repo.RankByModality(ctx, input.ID, input.Name, policy)
			if err != nil {
				return nil, err
			}
			return mapRankingEntries(entries), nil
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "rank-cross-trial",
		Method:      http.MethodGet,
		Path:        "/rankings/cross",
		Summary:     "Cross-trial ranking",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []CrossTrialEntryResponse `json:"body"`
	}, error) {
		entries, err := e.Repo.CrossTrialRanking(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CrossTrialEntryResponse `json:"body"`
		}{Body: mapCrossTrialEntries(entries)}, nil
	})
}

func registerStats(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "event-statistics",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Event statistics",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatisticsResponse `json:"body"`
	}, error) {
		stats, err := e.Repo.EventStatistics(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatisticsResponse `json:"body"`
		}{Body: statisticsResponse(stats)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "integrity",
		Method:      http.MethodGet,
		Path:        "/integrity",
		Summary:     "Integrity findings",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body IntegrityResponse `json:"body"`
	}, error) {
		findings, err := e.Repo.ValidateIntegrity(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IntegrityResponse `json:"body"`
		}{Body: integrityResponse(findings)}, nil
	})
}
