package app

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/kotoha-ai/kotoha/internal/health"
	"github.com/kotoha-ai/kotoha/internal/message"
	"github.com/kotoha-ai/kotoha/internal/observe"
	"github.com/kotoha-ai/kotoha/internal/turn"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxRequestBytes caps an /agent request body, attachments included.
const maxRequestBytes = 32 << 20

// defaultSessionID is used when a client omits session_id; it matches the
// session a fresh voice client activates over the WebSocket.
const defaultSessionID = "default"

// agentRequest is the JSON body form of POST /agent. Multipart requests use
// form fields of the same names plus one or more "files" parts.
type agentRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

func (a *App) buildMux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /agent", a.handleAgent)
	mux.Handle("GET /ws", a.hub)
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(a.readinessCheckers()...).Register(mux)

	return observe.Middleware(a.metrics)(mux)
}

// handleAgent runs one conversation turn. It accepts either a JSON body or
// multipart/form-data with file attachments and always answers with the
// turn result, including failed turns, so the client can speak the apology.
func (a *App) handleAgent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)

	in, err := a.parseAgentRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.Text == "" && len(in.Files) == 0 {
		writeError(w, http.StatusBadRequest, "text or files required")
		return
	}

	result := a.coordinator.HandleTurn(r.Context(), in)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(result); err != nil {
		a.logger.Warn("write /agent response", "err", err)
	}
}

func (a *App) parseAgentRequest(r *http.Request) (turn.TurnInput, error) {
	mediaType := r.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(mediaType); err == nil {
		mediaType = mt
	}

	var in turn.TurnInput
	switch {
	case mediaType == "multipart/form-data":
		if err := r.ParseMultipartForm(maxRequestBytes); err != nil {
			return in, errors.New("invalid multipart form")
		}
		in.SessionID = r.FormValue("session_id")
		in.Text = r.FormValue("text")
		if r.MultipartForm != nil {
			for _, hdr := range r.MultipartForm.File["files"] {
				f, err := hdr.Open()
				if err != nil {
					return in, errors.New("unreadable file attachment")
				}
				data, err := io.ReadAll(f)
				f.Close()
				if err != nil {
					return in, errors.New("unreadable file attachment")
				}
				in.Files = append(in.Files, message.NewFileDescriptor(hdr.Filename, hdr.Header.Get("Content-Type"), data))
			}
		}

	case mediaType == "application/json" || mediaType == "":
		var req agentRequest
		dec := json.NewDecoder(r.Body)
		if err := dec.Decode(&req); err != nil {
			return in, errors.New("invalid JSON body")
		}
		in.SessionID = req.SessionID
		in.Text = req.Text

	default:
		return in, errors.New("unsupported content type " + strings.TrimSpace(mediaType))
	}

	if in.SessionID == "" {
		in.SessionID = defaultSessionID
	}
	return in, nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
