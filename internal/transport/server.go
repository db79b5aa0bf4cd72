// Package transport exposes the command surface (C8) over a
// loopback-only HTTP+JSON request/response API plus WebSocket streaming
// endpoints for logs.subscribe and events.subscribe (spec.md §6). Route
// registration and the writeJSON/writeError helpers are grounded in the
// teacher's internal/transport/server.go; the streaming envelope and
// accept/write pattern are grounded in internal/relay/pty_relay.go.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/devsupd/devsupd/internal/command"
	"github.com/devsupd/devsupd/internal/devsuperr"
	"github.com/devsupd/devsupd/internal/eventbus"
	"github.com/devsupd/devsupd/internal/logstore"
)

// Server serves the command surface over a unix socket (spec.md §6
// "loopback-only"). A TCP listener can be substituted by calling Serve
// directly with a net.Listener bound to 127.0.0.1.
type Server struct {
	surface    *command.Surface
	socketPath string

	// catchUpLimiter holds the rate and burst for log streams: each log
	// stream paces its frames with its own bucket of these parameters, so
	// a newly-subscribed WebSocket client is not sent thousands of
	// buffered frames in one burst and one stream does not slow another.
	catchUpLimiter *rate.Limiter
}

// NewServer builds a Server. socketPath is the unix domain socket
// ListenAndServe binds; pass "" for a Server run only through Serve on a
// caller-bound listener (cmd/devsupd does this for loopback TCP).
func NewServer(surface *command.Surface, socketPath string) *Server {
	return &Server{
		surface:        surface,
		socketPath:     socketPath,
		catchUpLimiter: rate.NewLimiter(rate.Limit(500), 500), // frames/sec
	}
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", s.handleSessionsStart)
	mux.HandleFunc("POST /sessions/{id}/stop", s.handleSessionsStop)
	mux.HandleFunc("POST /sessions/{id}/restart", s.handleSessionsRestart)
	mux.HandleFunc("GET /sessions/{id}", s.handleSessionsGet)
	mux.HandleFunc("GET /sessions", s.handleSessionsList)
	mux.HandleFunc("POST /sessions/stop-all", s.handleSessionsStopAll)
	mux.HandleFunc("GET /sessions/{id}/logs", s.handleLogsTail)
	mux.HandleFunc("GET /sessions/{id}/logs/stream", s.handleLogsStream)
	mux.HandleFunc("POST /sessions/{id}/logs/export", s.handleLogsExport)
	mux.HandleFunc("GET /events/stream", s.handleEventsStream)
	mux.HandleFunc("GET /ports/check", s.handlePortsCheck)
	mux.HandleFunc("GET /ports/suggest", s.handlePortsSuggest)
	return mux
}

// ListenAndServe serves over the configured unix socket until ctx is
// canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.socketPath, err)
	}
	defer os.Remove(s.socketPath)
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP server over an already-bound listener (used for
// loopback TCP in addition to the default unix socket, spec.md §6).
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.mux()}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

// --- sessions.* ---

func (s *Server) handleSessionsStart(w http.ResponseWriter, r *http.Request) {
	var in command.StartInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, devsuperr.New(devsuperr.ErrValidation, "invalid JSON: "+err.Error()))
		return
	}
	sess, err := s.surface.SessionsStart(in)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleSessionsStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	force := r.URL.Query().Get("force") == "true"
	sess, err := s.surface.SessionsStop(id, force)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionsRestart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.surface.SessionsRestart(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionsGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.surface.SessionsGet(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.surface.SessionsList(r.URL.Query().Get("status")))
}

func (s *Server) handleSessionsStopAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.surface.SessionsStopAll())
}

// --- logs.* ---

func (s *Server) handleLogsTail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n := 100
	if v := r.URL.Query().Get("n"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			n = parsed
		}
	}
	entries, err := s.surface.LogsTail(id, n, r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, entriesToFrames(entries))
}

func (s *Server) handleLogsStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var fromSeq uint64
	if v := r.URL.Query().Get("fromSeq"); v != "" {
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
			fromSeq = parsed
		}
	}
	sub, err := s.surface.LogsSubscribe(id, fromSeq, r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	defer sub.Cancel()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	limiter := rate.NewLimiter(s.catchUpLimiter.Limit(), s.catchUpLimiter.Burst())
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-sub.C:
			if !ok {
				writeFrame(ctx, conn, Envelope{Type: FrameTypeEnd, Seq: seq, End: &endFrame{Reason: "closed"}})
				return
			}
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			seq++
			if item.Lagged != nil {
				writeFrame(ctx, conn, Envelope{Type: FrameTypeLagged, Seq: seq, Lagged: &laggedFrame{Dropped: item.Lagged.Dropped}})
				continue
			}
			writeFrame(ctx, conn, Envelope{Type: FrameTypeEntry, Seq: seq, Entry: entryToFrame(item.Entry)})
		}
	}
}

func (s *Server) handleLogsExport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var in struct {
		Path string `json:"path,omitempty"`
	}
	if r.ContentLength != 0 {
		json.NewDecoder(r.Body).Decode(&in) // body is optional; ignore a malformed/empty one
	}
	res, err := s.surface.LogsExport(r.Context(), id, in.Path)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	sub := s.surface.EventsSubscribe(sessionID)
	defer sub.Cancel()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-sub.C:
			if !ok {
				writeFrame(ctx, conn, Envelope{Type: FrameTypeEnd, Seq: seq, End: &endFrame{Reason: "closed"}})
				return
			}
			seq++
			if item.Lagged != nil {
				writeFrame(ctx, conn, Envelope{Type: FrameTypeLagged, Seq: seq, Lagged: &laggedFrame{Dropped: item.Lagged.Dropped}})
				continue
			}
			writeFrame(ctx, conn, Envelope{Type: FrameTypeEvent, Seq: seq, Event: eventToFrame(item.Event)})
		}
	}
}

// --- ports.* ---

func (s *Server) handlePortsCheck(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(r.URL.Query().Get("port"))
	if err != nil {
		writeError(w, http.StatusBadRequest, devsuperr.New(devsuperr.ErrValidation, "port must be an integer"))
		return
	}
	res, err := s.surface.PortsCheck(port)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePortsSuggest(w http.ResponseWriter, r *http.Request) {
	count := 5
	if v := r.URL.Query().Get("count"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			count = parsed
		}
	}
	suggestions, err := s.surface.PortsSuggest(r.URL.Query().Get("tag"), count)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, suggestions)
}

// --- helpers ---

func writeFrame(ctx context.Context, conn *websocket.Conn, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn.Write(writeCtx, websocket.MessageText, data)
}

func entriesToFrames(entries []*logstore.Entry) []*logEntryFrame {
	out := make([]*logEntryFrame, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryToFrame(e))
	}
	return out
}

func entryToFrame(e *logstore.Entry) *logEntryFrame {
	return &logEntryFrame{
		SessionID: e.SessionID,
		Seq:       e.Seq,
		WallMs:    e.WallMs,
		Stream:    string(e.Stream),
		Text:      string(e.Bytes),
	}
}

func eventToFrame(e *eventbus.Event) *eventFrame {
	return &eventFrame{
		Kind:       string(e.Kind),
		SessionID:  e.SessionID,
		From:       e.From,
		To:         e.To,
		Reason:     e.Reason,
		Port:       e.Port,
		ExitCode:   e.ExitCode,
		ExitSignal: e.ExitSignal,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	body := map[string]any{"error": err.Error()}
	if kind := devsuperr.KindOf(err); kind != "" {
		body["kind"] = string(kind)
		var de *devsuperr.Error
		if asErr, ok := err.(*devsuperr.Error); ok {
			de = asErr
		}
		if de != nil && len(de.Suggestions) > 0 {
			body["suggestions"] = de.Suggestions
		}
	}
	writeJSON(w, code, body)
}

// statusFor maps the taxonomy kind to an HTTP status (spec.md §7; the
// core itself is transport-agnostic, this mapping lives entirely here).
func statusFor(err error) int {
	switch devsuperr.KindOf(err) {
	case devsuperr.ErrValidation, devsuperr.ErrInvalidRegex, devsuperr.ErrInvalidTag, devsuperr.ErrInvalidPort:
		return http.StatusBadRequest
	case devsuperr.ErrNotFound:
		return http.StatusNotFound
	case devsuperr.ErrState, devsuperr.ErrPortAllocated, devsuperr.ErrPortInUseExternally, devsuperr.ErrOwnershipMismatch:
		return http.StatusConflict
	case devsuperr.ErrPortSystemReserved, devsuperr.ErrPortOutOfRange, devsuperr.ErrNoFreePortInRange:
		return http.StatusUnprocessableEntity
	case devsuperr.ErrLimit:
		return http.StatusTooManyRequests
	case devsuperr.ErrTimeout:
		return http.StatusGatewayTimeout
	case devsuperr.ErrSpawn, devsuperr.ErrIO:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
