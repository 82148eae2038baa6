package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"bypassd/internal/apperr"
	"bypassd/internal/auth"
	"bypassd/internal/model"
	"bypassd/internal/service"
	"bypassd/internal/store"
)

const maxBodyBytes = 1 << 20

// actorFrom builds the caller's identity and request context. RealIP has
// already rewritten RemoteAddr.
func actorFrom(r *http.Request) service.Actor {
	p, _ := auth.FromContext(r.Context())
	return service.Actor{
		UserID:   p.UserID,
		TenantID: p.TenantID,
		Role:     p.Role,
		Context: &model.ActorContext{
			IPAddress: r.RemoteAddr,
			UserAgent: r.UserAgent(),
			Role:      p.Role,
		},
	}
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return apperr.Wrap(err, apperr.InvalidInput, "invalid request body")
	}
	return nil
}

func (d Dependencies) submitBypass(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, apperr.Wrap(err, apperr.InvalidInput, "failed to read body"), d.Log)
		return
	}
	if d.Validator != nil {
		if err := d.Validator.Validate(r.Context(), body); err != nil {
			WriteError(w, err, d.Log)
			return
		}
	}

	var req model.BypassRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteError(w, apperr.Wrap(err, apperr.InvalidInput, "invalid request body"), d.Log)
		return
	}
	a := actorFrom(r)
	if req.TenantID != "" && req.TenantID != a.TenantID {
		WriteError(w, apperr.New(apperr.Unauthorised, "tenantId does not match the caller"), d.Log)
		return
	}
	req.TenantID = a.TenantID
	req.InitiatorID = a.UserID

	wf, created, err := d.Coord.Submit(r.Context(), req)
	if err != nil {
		WriteError(w, err, d.Log)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, wf)
}

func (d Dependencies) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := d.Coord.Get(r.Context(), chi.URLParam(r, "id"), actorFrom(r))
	if err != nil {
		WriteError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (d Dependencies) listWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		Status:     model.Status(q.Get("status")),
		AssignedTo: q.Get("assignedTo"),
		Urgency:    model.Urgency(q.Get("urgency")),
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		WriteError(w, apperr.New(apperr.InvalidInput, "limit must be an integer"), d.Log)
		return
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		WriteError(w, apperr.New(apperr.InvalidInput, "offset must be an integer"), d.Log)
		return
	}

	page, err := d.Coord.List(r.Context(), actorFrom(r), f)
	if err != nil {
		WriteError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func (d Dependencies) auditLog(w http.ResponseWriter, r *http.Request) {
	entries, err := d.Coord.Audit(r.Context(), chi.URLParam(r, "id"), actorFrom(r))
	if err != nil {
		WriteError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

type RespondRequest struct {
	Decision model.Decision `json:"decision"`
	Notes    string         `json:"notes"`
}

func (d Dependencies) respond(w http.ResponseWriter, r *http.Request) {
	var req RespondRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, err, d.Log)
		return
	}
	wf, err := d.Coord.Respond(r.Context(), chi.URLParam(r, "id"), actorFrom(r), service.RespondInput{
		Decision: req.Decision,
		Notes:    req.Notes,
		Channel:  "api",
	})
	if err != nil {
		WriteError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

type DelegateRequest struct {
	ToUserID string `json:"toUserId"`
	Reason   string `json:"reason"`
}

func (d Dependencies) delegate(w http.ResponseWriter, r *http.Request) {
	var req DelegateRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, err, d.Log)
		return
	}
	wf, err := d.Coord.Delegate(r.Context(), chi.URLParam(r, "id"), actorFrom(r), req.ToUserID, req.Reason)
	if err != nil {
		WriteError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

type ReasonRequest struct {
	Reason string `json:"reason"`
}

// reason reads an optional {"reason"} body
func reason(r *http.Request) (string, error) {
	if r.ContentLength == 0 {
		return "", nil
	}
	var req ReasonRequest
	if err := decode(r, &req); err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return req.Reason, nil
}

func (d Dependencies) escalate(w http.ResponseWriter, r *http.Request) {
	why, err := reason(r)
	if err != nil {
		WriteError(w, err, d.Log)
		return
	}
	wf, err := d.Coord.Escalate(r.Context(), chi.URLParam(r, "id"), actorFrom(r), why)
	if err != nil {
		WriteError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (d Dependencies) cancel(w http.ResponseWriter, r *http.Request) {
	why, err := reason(r)
	if err != nil {
		WriteError(w, err, d.Log)
		return
	}
	wf, err := d.Coord.Cancel(r.Context(), chi.URLParam(r, "id"), actorFrom(r), why)
	if err != nil {
		WriteError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (d Dependencies) stats(w http.ResponseWriter, r *http.Request) {
	window := 720 * time.Hour
	if s := r.URL.Query().Get("window"); s != "" {
		v, err := time.ParseDuration(s)
		if err != nil {
			WriteError(w, apperr.Newf(apperr.InvalidInput, "invalid window %q", s), d.Log)
			return
		}
		window = v
	}
	a := actorFrom(r)
	st, err := d.Coord.Stats(r.Context(), a.TenantID, window)
	if err != nil {
		WriteError(w, err, d.Log)
		return
	}
	d.Log.Debug("Computed stats", zap.String("tenant_id", a.TenantID), zap.Int("total", st.Total))
	writeJSON(w, http.StatusOK, st)
}
