package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/toolgate/toolgate/internal/session"
	"github.com/toolgate/toolgate/pkg/models"
)

// HandleSSE serves GET /sse and GET /sse/{group}. It issues a session,
// announces the message endpoint, then streams responses and
// notifications until the client disconnects.
func (gw *Gateway) HandleSSE(w http.ResponseWriter, r *http.Request) {
	identity, ok := gw.authenticate(w, r)
	if !ok {
		return
	}
	group := chi.URLParam(r, "group")
	if !gw.checkGroup(w, group) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	sess := gw.sessions.Create(session.TransportSSE, group, identitySecrets(identity))
	ch := gw.subscribe(sess.ID)
	gw.sessions.SetOnClose(sess.ID, func() { gw.unsubscribe(sess.ID) })

	defer gw.sessions.Remove(sess.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: endpoint\ndata: /messages?sessionId=%s\n\n", sess.ID)
	flusher.Flush()

	log.Info().Str("session", sess.ID).Str("group", group).Msg("SSE client connected")

	for {
		select {
		case <-r.Context().Done():
			log.Info().Str("session", sess.ID).Msg("SSE client disconnected")
			return
		case payload, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// HandleMessages serves POST /messages?sessionId=. The JSON-RPC
// response travels back over the session's SSE stream; the POST itself
// is acknowledged with 202.
func (gw *Gateway) HandleMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "Missing sessionId", http.StatusBadRequest)
		return
	}
	sess, ok := gw.sessions.Get(sessionID)
	if !ok {
		http.Error(w, "Unknown session", http.StatusNotFound)
		return
	}
	if sess.Transport != session.TransportSSE {
		http.Error(w, "Session is not an SSE session", http.StatusBadRequest)
		return
	}

	identity, err := gw.auth.Authenticate(r.Context(), r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if identity != nil {
		gw.sessions.UpdateSecrets(sess.ID, identity.Secrets)
	}

	var req models.MCPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON-RPC request", http.StatusBadRequest)
		return
	}

	gw.sessions.Touch(sess.ID)

	resp := gw.HandleJSONRPC(r.Context(), sess, &req)
	if resp != nil {
		payload, err := json.Marshal(resp)
		if err != nil {
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		gw.send(sess.ID, payload)
	}

	w.WriteHeader(http.StatusAccepted)
	fmt.Fprint(w, "Accepted")
}
