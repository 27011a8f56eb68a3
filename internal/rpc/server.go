package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/meshwire/meshcore/internal/blob"
	"github.com/meshwire/meshcore/internal/engine"
	"github.com/meshwire/meshcore/internal/transfer"
	"github.com/meshwire/meshcore/internal/wire"
)

var errInvalidTransferID = errors.New("rpc: malformed transfer id")

// Server wires the engine facade to HTTP handlers, mirroring the shape of
// the teacher's DaemonAPIServer (daemon/api/server/server.go): a thin
// struct holding the one collaborator it needs, and a RegisterHTTP that
// hangs handler funcs off a caller-supplied mux.
type Server struct {
	eng *engine.Engine
}

func NewServer(eng *engine.Engine) *Server {
	return &Server{eng: eng}
}

// RegisterHTTP registers every REST route spec §4.8's facade exposes.
func (s *Server) RegisterHTTP(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/transfer/send", s.handleQueueSend)
	mux.HandleFunc("/api/v1/transfer/pause", s.handlePause)
	mux.HandleFunc("/api/v1/transfer/resume", s.handleResume)
	mux.HandleFunc("/api/v1/transfer/cancel", s.handleCancel)
	mux.HandleFunc("/api/v1/transfer/retry", s.handleRetry)
	mux.HandleFunc("/api/v1/transfer/status", s.handleStatus)
	mux.HandleFunc("/api/v1/peers", s.handlePeers)
}

func (s *Server) handleQueueSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var req QueueSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body")
		return
	}
	peerID, err := wire.ParsePeerID(req.PeerID)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid peer_id")
		return
	}
	src, err := blob.OpenFileSource(req.FilePath)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "cannot open file_path: "+err.Error())
		return
	}

	id, err := s.eng.QueueSend(r.Context(), src, fileNameOf(req.FilePath), peerID, parsePriority(req.Priority), time.Now())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, QueueSendResponse{TransferID: hex.EncodeToString(id[:])})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request)  { s.handleAction(w, r, s.eng.Pause) }
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) { s.handleAction(w, r, s.eng.Resume) }
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) { s.handleAction(w, r, s.eng.Cancel) }
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request)  { s.handleAction(w, r, s.eng.Retry) }

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request, action func(transfer.ID) error) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var req TransferActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body")
		return
	}
	id, err := parseTransferID(req.TransferID)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid transfer_id")
		return
	}
	if err := action(id); err != nil {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	idStr := r.URL.Query().Get("transfer_id")
	id, err := parseTransferID(idStr)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid transfer_id")
		return
	}
	st, ok := s.eng.Status(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "unknown transfer")
		return
	}
	resp := StatusResponse{
		TransferID:      idStr,
		State:           st.Kind.String(),
		ChunksReceived:  st.Received,
		ChunksTotal:     st.Total,
		PausedAt:        st.PausedAt,
		SinkURL:         st.SinkURL,
		Reason:          st.Reason,
		Retryable:       st.Retryable,
		OversizeWarning: st.OversizeWarning,
	}
	if st.Total > 0 {
		resp.ProgressPercent = 100 * float64(st.Received) / float64(st.Total)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	snaps := s.eng.Peers()
	resp := PeersResponse{Peers: make([]PeerJSON, 0, len(snaps))}
	for _, p := range snaps {
		transports := make([]string, 0, len(p.Transports))
		for _, k := range p.Transports {
			transports = append(transports, k.String())
		}
		resp.Peers = append(resp.Peers, PeerJSON{
			PeerID:      p.PeerID.String(),
			Fingerprint: p.Fingerprint,
			Transports:  transports,
			LinkQuality: p.LinkQuality,
			SessionUp:   p.SessionUp,
			LastSeenMs:  p.LastSeen.UnixMilli(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// SSEHandler streams observe() (spec §4.8) as newline-delimited JSON
// "data:" frames, grounded on the teacher's SSEHandler
// (daemon/api/server/server.go).
func SSEHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		ch, cancel := eng.Observe()
		defer cancel()
		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				b, err := json.Marshal(toEventJSON(ev))
				if err != nil {
					continue
				}
				_, _ = w.Write([]byte("data: "))
				_, _ = w.Write(b)
				_, _ = w.Write([]byte("\n\n"))
				flusher.Flush()
			}
		}
	}
}

func toEventJSON(ev engine.Event) EventJSON {
	out := EventJSON{
		Kind:        ev.Kind.String(),
		Fraction:    ev.Fraction,
		SinkURL:     ev.SinkURL,
		Reason:      ev.Reason,
		Retryable:   ev.Retryable,
		Fingerprint: ev.Fingerprint,
	}
	var zeroID transfer.ID
	if ev.TransferID != zeroID {
		out.TransferID = hex.EncodeToString(ev.TransferID[:])
	}
	var zeroPeer wire.PeerID
	if ev.PeerID != zeroPeer {
		out.PeerID = ev.PeerID.String()
	}
	if ev.OldPeerID != zeroPeer {
		out.OldPeerID = ev.OldPeerID.String()
	}
	return out
}

func parseTransferID(s string) (transfer.ID, error) {
	var id transfer.ID
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(id) {
		return id, errInvalidTransferID
	}
	copy(id[:], raw)
	return id, nil
}

func parsePriority(s string) wire.Priority {
	switch strings.ToLower(s) {
	case "low":
		return wire.PriorityLow
	case "high":
		return wire.PriorityHigh
	case "urgent":
		return wire.PriorityUrgent
	default:
		return wire.PriorityNormal
	}
}

func fileNameOf(path string) string {
	if i := strings.LastIndexAny(path, "/\\"); i >= 0 {
		return path[i+1:]
	}
	return path
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, JSONError{Code: code, Message: msg})
}
