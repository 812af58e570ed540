package api

import (
	"net/http"

	"github.com/kalambet/pixella/internal/session"
)

type createSessionRequest struct {
	ID          string  `json:"id"`
	DisplayName *string `json:"display_name"`
	Persona     *string `json:"persona"`
	// Resume returns the existing session instead of failing with 409.
	Resume bool `json:"resume"`
}

type updateSessionRequest struct {
	DisplayName *string `json:"display_name"`
	Persona     *string `json:"persona"`
}

type messageRequest struct {
	Content string `json:"content"`
}

type messageResponse struct {
	SessionID string `json:"session_id"`
	Reply     string `json:"reply"`
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListSessions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if limit := parseIntParam(r, "limit", 0, 0); limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	if list == nil {
		list = []session.Summary{}
	}
	respondJSON(w, http.StatusOK, list)
}

// deleteAllSessions requires confirm=true.
func (h *handler) deleteAllSessions(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "deleting every session requires confirm=true")
		return
	}
	n, err := h.svc.DeleteAllSessions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeBody(w, r, maxRequestBodySize, &req) {
		return
	}

	if req.Resume {
		sum, err := h.svc.StartOrResumeSession(r.Context(), req.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		if req.DisplayName != nil || req.Persona != nil {
			if err := h.svc.SetPersona(r.Context(), sum.ID, req.DisplayName, req.Persona); err != nil {
				writeError(w, err)
				return
			}
		}
		respondJSON(w, http.StatusOK, sum)
		return
	}

	sum, err := h.svc.NewSession(r.Context(), req.ID, session.CreateOptions{
		DisplayName: req.DisplayName,
		Persona:     req.Persona,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sum)
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.History(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.Turns == nil {
		sess.Turns = []session.Turn{}
	}
	respondJSON(w, http.StatusOK, sess)
}

func (h *handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteSession(r.Context(), pathParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *handler) updateSession(w http.ResponseWriter, r *http.Request) {
	var req updateSessionRequest
	if !decodeBody(w, r, maxRequestBodySize, &req) {
		return
	}
	if err := h.svc.SetPersona(r.Context(), pathParam(r, "id"), req.DisplayName, req.Persona); err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *handler) renameSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewID string `json:"new_id"`
	}
	if !decodeBody(w, r, maxRequestBodySize, &req) {
		return
	}
	if err := h.svc.RenameSession(r.Context(), pathParam(r, "id"), req.NewID); err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "renamed", "id": req.NewID})
}

func (h *handler) switchSession(w http.ResponseWriter, r *http.Request) {
	sum, err := h.svc.SwitchSession(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

func (h *handler) clearSession(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ClearSession(r.Context(), pathParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *handler) sessionStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.SessionStats(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (h *handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decodeBody(w, r, maxRequestBodySize, &req) {
		return
	}
	id := pathParam(r, "id")
	reply, err := h.svc.SendMessage(r.Context(), id, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, messageResponse{SessionID: id, Reply: reply})
}

// preview returns the assembled context without storing or generating.
func (h *handler) preview(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decodeBody(w, r, maxRequestBodySize, &req) {
		return
	}
	p, err := h.svc.Preview(r.Context(), pathParam(r, "id"), req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}
