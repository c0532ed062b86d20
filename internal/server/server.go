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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"skirmish/internal/domain"
	"skirmish/internal/engine"
	"skirmish/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"squadron_locked"`
	Message string         `json:"message" example:"squadron is locked in a battle"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Skirmish API and starts the
// background workers (expiry sweep, webhook replication).
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Skirmish API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSquadrons(group, cfg.Engine)
	registerBattles(group, cfg.Engine)
	registerAssets(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startExpirySweeper(cfg.Engine)
	startWebhookDispatcher(cfg.Engine)

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

// handleError maps engine error kinds to the HTTP envelope. Integrity
// failures get their own code so clients can distinguish tampering from
// ordinary validation problems.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	kind := domain.KindOf(err)
	switch kind {
	case domain.KindInvalidInput, domain.KindSelfJoin:
		return newAPIError(http.StatusBadRequest, string(kind), err.Error(), nil)
	case domain.KindNotOwner, domain.KindNotParticipant:
		return newAPIError(http.StatusForbidden, string(kind), err.Error(), nil)
	case domain.KindSquadronLocked, domain.KindCapacityExceeded, domain.KindAssetAlreadyAssigned,
		domain.KindBattleNotOpen, domain.KindBattleNotInProgress, domain.KindConflict:
		return newAPIError(http.StatusConflict, string(kind), err.Error(), nil)
	case domain.KindIntegrityFailure:
		return newAPIError(http.StatusConflict, string(kind), err.Error(), map[string]any{"integrity": "hash mismatch"})
	case domain.KindPowerDataUnavailable:
		return newAPIError(http.StatusUnprocessableEntity, string(kind), err.Error(), nil)
	case domain.KindArbitrationUnavailable:
		return newAPIError(http.StatusServiceUnavailable, string(kind), err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

type squadronBody struct {
	Body domain.Squadron
}

type squadronDetailBody struct {
	Body struct {
		domain.Squadron
		Members []domain.RosterMember `json:"members"`
	}
}

func registerSquadrons(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-squadron",
		Method:        http.MethodPost,
		Path:          "/squadrons",
		Summary:       "Create squadron",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body struct {
			Name string `json:"name" minLength:"1"`
			Type string `json:"type,omitempty"`
		}
	}) (*squadronBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CreateSquadron(ctx, actorID, input.Body.Name, input.Body.Type)
		if err != nil {
			return nil, handleError(err)
		}
		return &squadronBody{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-squadrons",
		Method:      http.MethodGet,
		Path:        "/squadrons",
		Summary:     "List squadrons",
	}, func(ctx context.Context, input *struct {
		Owner string `query:"owner"`
	}) (*struct {
		Body struct {
			Squadrons []domain.Squadron `json:"squadrons"`
		}
	}, error) {
		squadrons, err := e.Repo.ListSquadrons(ctx, input.Owner)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Squadrons []domain.Squadron `json:"squadrons"`
			}
		}{}
		out.Body.Squadrons = squadrons
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-squadron",
		Method:      http.MethodGet,
		Path:        "/squadrons/{squadron_id}",
		Summary:     "Get squadron with roster",
	}, func(ctx context.Context, input *struct {
		SquadronID string `path:"squadron_id"`
	}) (*squadronDetailBody, error) {
		s, err := e.Repo.GetSquadron(ctx, input.SquadronID)
		if err != nil {
			return nil, handleError(err)
		}
		members, err := e.Repo.ListRosterMembers(ctx, input.SquadronID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &squadronDetailBody{}
		out.Body.Squadron = s
		out.Body.Members = members
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-member",
		Method:        http.MethodPost,
		Path:          "/squadrons/{squadron_id}/members",
		Summary:       "Add roster member",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		SquadronID string `path:"squadron_id"`
		Body       struct {
			AssetID string `json:"asset_id" minLength:"1"`
			Role    string `json:"role,omitempty"`
		}
	}) (*struct {
		Body domain.RosterMember
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.AddMember(ctx, input.SquadronID, input.Body.AssetID, input.Body.Role, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RosterMember
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-member",
		Method:        http.MethodDelete,
		Path:          "/squadrons/{squadron_id}/members/{asset_id}",
		Summary:       "Remove roster member",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		SquadronID string `path:"squadron_id"`
		AssetID    string `path:"asset_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveMember(ctx, input.SquadronID, input.AssetID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-squadron",
		Method:        http.MethodDelete,
		Path:          "/squadrons/{squadron_id}",
		Summary:       "Delete squadron",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		SquadronID string `path:"squadron_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteSquadron(ctx, input.SquadronID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

type battleBody struct {
	Body domain.Battle
}

func registerBattles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-battle",
		Method:        http.MethodPost,
		Path:          "/battles",
		Summary:       "Create battle",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body struct {
			SquadronID             string `json:"squadron_id" minLength:"1"`
			BattleType             string `json:"battle_type,omitempty" enum:"solo,group,"`
			CombatType             string `json:"combat_type" enum:"military,religious,social,economic"`
			Terrain                string `json:"terrain,omitempty"`
			Wager                  *int   `json:"wager,omitempty"`
			TimeLimitMinutes       *int   `json:"time_limit_minutes,omitempty"`
			RequiredSpecialization string `json:"required_specialization,omitempty"`
			PartnerCollectionID    string `json:"partner_collection_id,omitempty"`
			PartnerMinCount        int    `json:"partner_min_count,omitempty"`
			VsAdversary            bool   `json:"vs_adversary,omitempty"`
			Narrative              string `json:"narrative,omitempty"`
		}
	}) (*battleBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.CreateBattle(ctx, engine.BattleCreateOptions{
			CreatorID:              actorID,
			SquadronID:             input.Body.SquadronID,
			BattleType:             input.Body.BattleType,
			CombatType:             input.Body.CombatType,
			Terrain:                input.Body.Terrain,
			Wager:                  input.Body.Wager,
			TimeLimitMinutes:       input.Body.TimeLimitMinutes,
			RequiredSpecialization: input.Body.RequiredSpecialization,
			PartnerCollectionID:    input.Body.PartnerCollectionID,
			PartnerMinCount:        input.Body.PartnerMinCount,
			VsAdversary:            input.Body.VsAdversary,
			Narrative:              input.Body.Narrative,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &battleBody{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-battles",
		Method:      http.MethodGet,
		Path:        "/battles",
		Summary:     "List battles",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"open,in_progress,completed,cancelled,expired,"`
		Mine   bool   `query:"mine"`
	}) (*struct {
		Body struct {
			Battles []domain.Battle `json:"battles"`
		}
	}, error) {
		actorFilter := ""
		if input.Mine {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			actorFilter = actorID
		}
		battles, err := e.Repo.ListBattles(ctx, input.Status, actorFilter)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Battles []domain.Battle `json:"battles"`
			}
		}{}
		out.Body.Battles = battles
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-battle",
		Method:      http.MethodGet,
		Path:        "/battles/{battle_id}",
		Summary:     "Get battle",
	}, func(ctx context.Context, input *struct {
		BattleID string `path:"battle_id"`
	}) (*battleBody, error) {
		b, err := e.Repo.GetBattle(ctx, input.BattleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &battleBody{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "join-battle",
		Method:      http.MethodPost,
		Path:        "/battles/{battle_id}/join",
		Summary:     "Join an open battle",
	}, func(ctx context.Context, input *struct {
		BattleID string `path:"battle_id"`
		Body     struct {
			SquadronID string `json:"squadron_id" minLength:"1"`
		}
	}) (*battleBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.JoinBattle(ctx, input.BattleID, actorID, input.Body.SquadronID)
		if err != nil {
			return nil, handleError(err)
		}
		return &battleBody{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-move",
		Method:        http.MethodPost,
		Path:          "/battles/{battle_id}/moves",
		Summary:       "Record a move",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		BattleID string `path:"battle_id"`
		Body     struct {
			Action   string `json:"action" minLength:"1"`
			RiskTier string `json:"risk_tier" enum:"low,medium,high"`
		}
	}) (*struct {
		Body domain.BattleMove
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.RecordMove(ctx, input.BattleID, actorID, input.Body.Action, input.Body.RiskTier)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.BattleMove
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-moves",
		Method:      http.MethodGet,
		Path:        "/battles/{battle_id}/moves",
		Summary:     "List battle moves",
	}, func(ctx context.Context, input *struct {
		BattleID string `path:"battle_id"`
	}) (*struct {
		Body struct {
			Moves []domain.BattleMove `json:"moves"`
		}
	}, error) {
		moves, err := e.Repo.ListMoves(ctx, input.BattleID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Moves []domain.BattleMove `json:"moves"`
			}
		}{}
		out.Body.Moves = moves
		return out, nil
	})

	type battleAction struct {
		BattleID string `path:"battle_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "complete-battle",
		Method:      http.MethodPost,
		Path:        "/battles/{battle_id}/complete",
		Summary:     "Complete a battle without a verdict",
	}, func(ctx context.Context, input *battleAction) (*battleBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.CompleteBattle(ctx, input.BattleID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &battleBody{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-battle",
		Method:      http.MethodPost,
		Path:        "/battles/{battle_id}/cancel",
		Summary:     "Cancel an open battle",
	}, func(ctx context.Context, input *battleAction) (*battleBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.CancelBattle(ctx, input.BattleID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &battleBody{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize-battle",
		Method:      http.MethodPost,
		Path:        "/battles/{battle_id}/finalize",
		Summary:     "Finalize a battle and decide the winner",
	}, func(ctx context.Context, input *battleAction) (*battleBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.FinalizeBattle(ctx, input.BattleID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &battleBody{Body: b}, nil
	})
}

func registerAssets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-asset",
		Method:      http.MethodPut,
		Path:        "/assets/{asset_id}",
		Summary:     "Load or refresh asset power attributes",
	}, func(ctx context.Context, input *struct {
		AssetID string `path:"asset_id"`
		Body    assetAttributes
	}) (*struct {
		Body assetAttributes
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.UpsertAssetAttributes(ctx, input.AssetID, input.Body.snapshot()); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body assetAttributes
		}{Body: input.Body}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after"`
		Limit int   `query:"limit" minimum:"1" maximum:"500"`
	}) (*struct {
		Body struct {
			Events []domain.Event `json:"events"`
		}
	}, error) {
		limit := input.Limit
		if limit == 0 {
			limit = 100
		}
		var (
			events []domain.Event
			err    error
		)
		if input.After > 0 {
			events, err = e.Repo.EventsAfter(ctx, input.After, limit)
		} else {
			events, err = e.Repo.LatestEvents(ctx, limit)
		}
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Events []domain.Event `json:"events"`
			}
		}{}
		out.Body.Events = events
		return out, nil
	})
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
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
    <title>Skirmish API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}
