package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/toolgate/toolgate/internal/session"
	"github.com/toolgate/toolgate/pkg/models"
)

const sessionHeader = "Mcp-Session-Id"

// HandleStreamable serves POST /mcp and POST /mcp/{group}. The first
// request of a connection must be initialize; the response carries the
// session id in the Mcp-Session-Id header and every later request
// presents it back.
func (gw *Gateway) HandleStreamable(w http.ResponseWriter, r *http.Request) {
	identity, ok := gw.authenticate(w, r)
	if !ok {
		return
	}
	group := chi.URLParam(r, "group")
	if !gw.checkGroup(w, group) {
		return
	}

	var req models.MCPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse(nil, -32700, "Parse error", err.Error()))
		return
	}

	sessionID := r.Header.Get(sessionHeader)

	var sess *session.Session
	if sessionID == "" {
		if req.Method != "initialize" {
			writeJSON(w, http.StatusBadRequest,
				errorResponse(req.ID, -32600, "Invalid request", "first request must be initialize"))
			return
		}
		sess = gw.sessions.Create(session.TransportStreamable, group, identitySecrets(identity))
		w.Header().Set(sessionHeader, sess.ID)
		log.Info().Str("session", sess.ID).Str("group", group).Msg("Streamable client connected")
	} else {
		sess, ok = gw.sessions.Get(sessionID)
		if !ok {
			writeJSON(w, http.StatusNotFound,
				errorResponse(req.ID, -32600, "Invalid request", "unknown session"))
			return
		}
		if sess.Transport != session.TransportStreamable {
			writeJSON(w, http.StatusBadRequest,
				errorResponse(req.ID, -32600, "Invalid request", "session is not a streamable session"))
			return
		}
		gw.sessions.Touch(sess.ID)
		if identity != nil {
			gw.sessions.UpdateSecrets(sess.ID, identity.Secrets)
		}
		w.Header().Set(sessionHeader, sess.ID)
	}

	resp := gw.HandleJSONRPC(r.Context(), sess, &req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleStreamableDelete serves DELETE /mcp: explicit session teardown.
func (gw *Gateway) HandleStreamableDelete(w http.ResponseWriter, r *http.Request) {
	if _, ok := gw.authenticate(w, r); !ok {
		return
	}
	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		http.Error(w, "Missing "+sessionHeader, http.StatusBadRequest)
		return
	}
	if _, ok := gw.sessions.Get(sessionID); !ok {
		http.Error(w, "Unknown session", http.StatusNotFound)
		return
	}
	gw.sessions.Remove(sessionID)
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Writing JSON response failed")
	}
}
