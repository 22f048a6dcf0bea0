package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/hordeproject/horde/internal/common/hordeerrors"
	"github.com/hordeproject/horde/internal/horde/api"
	"github.com/hordeproject/horde/internal/horde/server"
)

// Header names of the thin authentication scheme: apikey identifies the user,
// the shared key header optionally redirects funding, and the unsafe-ip flag
// is stamped by the fronting proxy's reputation check.
const (
	headerAPIKey    = "apikey"
	headerSharedKey = "Horde-Shared-Key"
	headerUnsafeIP  = "Horde-Unsafe-Ip"
)

// Gateway exposes the service layer as a JSON HTTP API.
type Gateway struct {
	server *server.Server
}

func NewGateway(s *server.Server) *Gateway {
	return &Gateway{server: s}
}

// Routes builds the API surface.
func (g *Gateway) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v2/generate/async", g.handleAsync(api.KindImage))
	mux.HandleFunc("/api/v2/generate/text/async", g.handleAsync(api.KindText))
	mux.HandleFunc("/api/v2/interrogate/async", g.handleAsync(api.KindInterrogation))

	mux.HandleFunc("/api/v2/generate/status/", g.handleStatus)
	mux.HandleFunc("/api/v2/generate/text/status/", g.handleStatus)
	mux.HandleFunc("/api/v2/interrogate/status/", g.handleInterrogationStatus)

	mux.HandleFunc("/api/v2/generate/pop", g.handlePop(api.KindImage))
	mux.HandleFunc("/api/v2/generate/text/pop", g.handlePop(api.KindText))
	mux.HandleFunc("/api/v2/interrogate/pop", g.handlePop(api.KindInterrogation))

	mux.HandleFunc("/api/v2/generate/submit", g.handleSubmit)
	mux.HandleFunc("/api/v2/generate/text/submit", g.handleSubmit)
	mux.HandleFunc("/api/v2/interrogate/submit", g.handleFormSubmit)

	mux.HandleFunc("/api/v2/kudos/transfer", g.handleTransfer)
	mux.HandleFunc("/api/v2/status/models", g.handleModels)
	mux.HandleFunc("/api/v2/workers/", g.handleWorker)

	return mux
}

func (g *Gateway) handleAsync(kind api.RequestKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		userId, ok := authenticate(w, r)
		if !ok {
			return
		}
		req := &api.GenerationRequest{}
		if !decodeBody(w, r, req) {
			return
		}
		req.Kind = kind

		var sharedKeyId *uuid.UUID
		if raw := r.Header.Get(headerSharedKey); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				writeError(w, &hordeerrors.ErrInvalidArgument{Name: headerSharedKey, Value: raw})
				return
			}
			sharedKeyId = &id
		}
		safeIP := r.Header.Get(headerUnsafeIP) == ""

		wp, err := g.server.SubmitRequest(r.Context(), userId, sharedKeyId, safeIP, req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"id":    wp.Id,
			"kudos": wp.ConsumedKudos,
		})
	}
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := trailingId(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		status, err := g.server.Status(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	case http.MethodDelete:
		status, err := g.server.Cancel(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (g *Gateway) handleInterrogationStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, ok := trailingId(w, r)
	if !ok {
		return
	}
	status, err := g.server.InterrogationStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (g *Gateway) handlePop(kind api.RequestKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		userId, ok := authenticate(w, r)
		if !ok {
			return
		}
		req := &api.PopRequest{}
		if !decodeBody(w, r, req) {
			return
		}
		req.Kind = kind

		resp, err := g.server.Pop(r.Context(), userId, req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (g *Gateway) handleSubmit(w http.ResponseWriter, r *http.Request) {
	g.submit(w, r, g.server.SubmitGeneration)
}

func (g *Gateway) handleFormSubmit(w http.ResponseWriter, r *http.Request) {
	g.submit(w, r, g.server.SubmitForm)
}

func (g *Gateway) submit(
	w http.ResponseWriter,
	r *http.Request,
	settle func(ctx context.Context, req *api.SubmitRequest) (*api.SubmitResponse, error),
) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := authenticate(w, r); !ok {
		return
	}
	req := &api.SubmitRequest{}
	if !decodeBody(w, r, req) {
		return
	}
	resp, err := settle(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleTransfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	userId, ok := authenticate(w, r)
	if !ok {
		return
	}
	req := &api.TransferRequest{}
	if !decodeBody(w, r, req) {
		return
	}
	req.Source = userId
	if err := g.server.Transfer(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"transferred": req.Amount})
}

func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	kind := api.RequestKind(r.URL.Query().Get("type"))
	if kind == "" {
		kind = api.KindImage
	}
	reports, err := g.server.Models(r.Context(), kind)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

// handleWorker serves PUT /api/v2/workers/{id} for maintenance toggles.
func (g *Gateway) handleWorker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	userId, ok := authenticate(w, r)
	if !ok {
		return
	}
	workerId, ok := trailingId(w, r)
	if !ok {
		return
	}
	body := struct {
		Maintenance bool `json:"maintenance"`
	}{}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := g.server.SetWorkerMaintenance(r.Context(), userId, workerId, body.Maintenance); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"maintenance": body.Maintenance})
}

func authenticate(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get(headerAPIKey)
	if raw == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "apikey header is required"})
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "apikey is not recognised"})
		return uuid.Nil, false
	}
	return id, true
}

func trailingId(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	parts := strings.Split(strings.TrimSuffix(r.URL.Path, "/"), "/")
	raw := parts[len(parts)-1]
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, &hordeerrors.ErrInvalidArgument{Name: "id", Value: raw, Message: "path id must be a uuid"})
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		writeError(w, &hordeerrors.ErrInvalidArgument{Name: "body", Value: "", Message: err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Warn("failed to encode response body")
	}
}

// writeError maps service errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var notFound *hordeerrors.ErrNotFound
	var invalid *hordeerrors.ErrInvalidArgument
	var merr *multierror.Error
	var insufficient *hordeerrors.ErrInsufficientKudos
	var maintenance *hordeerrors.ErrMaintenanceMode
	var unknownModels *hordeerrors.ErrUnknownModels
	var malformedAgent *hordeerrors.ErrMalformedAgent
	var alreadyExists *hordeerrors.ErrAlreadyExists
	var rateLimited *hordeerrors.ErrRateLimited
	switch {
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &invalid), errors.As(err, &merr),
		errors.As(err, &unknownModels), errors.As(err, &malformedAgent):
		status = http.StatusBadRequest
	case errors.As(err, &alreadyExists):
		status = http.StatusConflict
	case errors.As(err, &insufficient):
		status = http.StatusPaymentRequired
	case errors.As(err, &maintenance):
		status = http.StatusForbidden
	case errors.As(err, &rateLimited):
		status = http.StatusTooManyRequests
	}
	if status == http.StatusInternalServerError {
		log.WithError(err).Error("request failed")
	}
	writeJSON(w, status, map[string]string{"message": err.Error()})
}
