package httpserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"

	"github.com/gorilla/mux"

	"blast/internal/domain"
	"blast/internal/service"
)

type API struct {
	Svc *service.CampaignService
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/v1/send", a.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/v1/status", a.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/reconnect", a.handleReconnect).Methods(http.MethodPost)
	r.HandleFunc("/v1/logout", a.handleLogout).Methods(http.MethodPost)

	r.HandleFunc("/v1/campaigns", a.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/v1/campaigns", a.handleList).Methods(http.MethodGet)
	r.HandleFunc("/v1/campaigns/{id}", a.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/v1/campaigns/{id}", a.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/v1/campaigns/{id}/start", a.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/v1/campaigns/{id}/stop", a.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/v1/campaigns/{id}/resume", a.handleResume).Methods(http.MethodPost)
	r.HandleFunc("/v1/campaigns/{id}/retry", a.handleRetry).Methods(http.MethodPost)
	r.HandleFunc("/v1/campaigns/{id}/report", a.handleReport).Methods(http.MethodGet)

	r.HandleFunc("/v1/runner", a.handleRunner).Methods(http.MethodGet)
	r.HandleFunc("/v1/activities", a.handleActivities).Methods(http.MethodGet)
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	var req domain.SendRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := a.Svc.SendDirect(r.Context(), req)
	if err != nil {
		writeJSON(w, statusFor(err), domain.SendResponse{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.Svc.GatewayStatus(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleReconnect(w http.ResponseWriter, r *http.Request) {
	resp, err := a.Svc.Reconnect(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	resp, err := a.Svc.Logout(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateCampaignRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := a.Svc.Create(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	var status domain.CampaignStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, ok := domain.ParseStatus(raw)
		if !ok {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: ErrInvalidStatus})
			return
		}
		status = st
	}
	cs, err := a.Svc.List(r.Context(), status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// listings leave image bytes out; fetch the campaign itself for those
	out := make([]domain.Campaign, 0, len(cs))
	for _, c := range cs {
		c.Image = nil
		out = append(out, c)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	c, err := a.Svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.Svc.Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	c, err := a.Svc.Start(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, c)
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.Svc.Stop(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "stopping"})
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	c, err := a.Svc.Resume(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, c)
}

func (a *API) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req domain.RetryRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	c, err := a.Svc.Retry(r.Context(), id, req.OnlyFailed)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

var unsafeFilename = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func (a *API) handleReport(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	// buffer so a store error can still become a proper status code
	var buf bytes.Buffer
	if err := a.Svc.Report(r.Context(), id, &buf); err != nil {
		writeError(w, r, err)
		return
	}
	name := unsafeFilename.ReplaceAllString(id, "_")
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-report.csv"`, name))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, &buf)
}

func (a *API) handleRunner(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Svc.RunnerSnapshot())
}

func (a *API) handleActivities(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid limit"})
			return
		}
		limit = n
	}
	acts, err := a.Svc.Activities(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acts)
}

func pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["id"]
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: ErrMissingID})
		return "", false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: domain.ErrImageTooLarge.Error()})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: ErrInvalidJSON})
		return false
	}
	return true
}
