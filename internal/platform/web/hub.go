// Package web is the client-facing gateway: a websocket hub that turns
// submit and kill commands into queued jobs and relays worker events back.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/suever/MATL-Online/internal/domain"
	"github.com/suever/MATL-Online/internal/matl"
)

// Messages sent to clients in synthetic "complete" events.
const (
	KillMessage         = "User terminated the job"
	ThrottledMessage    = "Too many submissions, please wait a moment"
	SubmitFailedMessage = "The job could not be queued"
)

const writeWait = 10 * time.Second

// Frame is the websocket message format in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type submitRequest struct {
	UID     string `json:"uid"`
	Code    string `json:"code"`
	Inputs  string `json:"inputs"`
	Version string `json:"version"`
}

// HubConfig wires the hub to the queue. Cancels, Results and Limiter may be nil.
type HubConfig struct {
	Queue   domain.JobQueue
	Cancels domain.CancelBus
	Results domain.ResultStore
	Limiter *RateLimiter
	// AllowedOrigins restricts CORS and websocket origins; empty allows all.
	AllowedOrigins []string
	// DefaultVersion replaces missing or invalid versions.
	DefaultVersion string
	ExplainTimeout time.Duration
}

// Hub tracks client connections by room.
type Hub struct {
	cfg      HubConfig
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}
}

// NewHub creates a Hub. Call Run to relay worker events.
func NewHub(cfg HubConfig, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ExplainTimeout <= 0 {
		cfg.ExplainTimeout = time.Minute
	}
	h := &Hub{
		cfg:   cfg,
		log:   log,
		rooms: make(map[string]map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || h.originAllowed(origin)
		},
	}
	return h
}

// Handler returns the gateway routes wrapped in CORS handling.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", h.serveWS)
	mux.HandleFunc("GET /explain", h.cfg.Limiter.Middleware(h.serveExplain))
	mux.HandleFunc("POST /explain", h.cfg.Limiter.Middleware(h.serveExplain))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return h.cors(mux)
}

// Run delivers events to their rooms until events closes or ctx ends.
func (h *Hub) Run(ctx context.Context, events <-chan domain.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			h.Deliver(event)
		}
	}
}

// Deliver sends event to every connection in its room and reports how many
// received it.
func (h *Hub) Deliver(event domain.Event) int {
	h.mu.RLock()
	members := make([]*client, 0, len(h.rooms[event.Room]))
	for c := range h.rooms[event.Room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range members {
		if err := c.write(Frame{Event: event.Name, Data: event.Payload}); err != nil {
			h.log.Warn("Failed to write to websocket", "room", event.Room, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

func (h *Hub) join(c *client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*client]struct{})
		h.rooms[room] = members
	}
	if _, ok := members[c]; ok {
		return
	}
	members[c] = struct{}{}
	c.rooms = append(c.rooms, room)
}

func (h *Hub) leave(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range c.rooms {
		delete(h.rooms[room], c)
		if len(h.rooms[room]) == 0 {
			delete(h.rooms, room)
		}
	}
	c.rooms = nil
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	session := r.URL.Query().Get("session")
	if session == "" {
		session = uuid.NewString()
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{ws: ws, key: uuid.NewString(), session: session}
	log := h.log.With("session", session)
	log.Info("Client connected via WebSocket", "remoteAddr", ws.RemoteAddr())

	h.join(c, session)
	defer func() {
		log.Info("Client disconnected")
		h.leave(c)
		h.cfg.Limiter.Forget(c.key)
		ws.Close()
	}()

	if err := c.emit(domain.EventConnection, domain.ConnectionPayload{SessionID: session}); err != nil {
		log.Warn("Failed to greet client", "error", err)
		return
	}

	ctx := r.Context()
	for {
		var frame Frame
		if err := ws.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("WebSocket read ended", "error", err)
			}
			return
		}
		switch frame.Event {
		case "submit":
			h.submit(ctx, log, c, frame.Data)
		case "kill":
			h.kill(ctx, log, c)
		default:
			log.Debug("Ignoring unknown event", "event", frame.Event)
		}
	}
}

func (h *Hub) submit(ctx context.Context, log *slog.Logger, c *client, data json.RawMessage) {
	var req submitRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			log.Warn("Malformed submit", "error", err)
			return
		}
	}
	if req.Code == "" {
		return
	}

	room := req.UID
	if room == "" {
		room = c.session
	}

	if !h.cfg.Limiter.Allow(c.key) {
		h.reply(log, c, room, domain.Failed(ThrottledMessage))
		return
	}

	job := domain.Job{
		ID:     uuid.NewString(),
		Params: domain.RunParams(req.Code, h.version(req.Version)).WithInputs(req.Inputs).WithSession(room),
	}
	h.join(c, room)

	if err := h.cfg.Queue.Publish(ctx, job); err != nil {
		log.Error("Failed to publish job", "error", err)
		h.reply(log, c, room, domain.Failed(SubmitFailedMessage))
		return
	}
	c.setJob(job.ID)
	log.Info("Received submission", "jobID", job.ID, "room", room, "version", job.Params.Version)
}

// kill always reports termination, even if the job had already finished.
func (h *Hub) kill(ctx context.Context, log *slog.Logger, c *client) {
	if jobID := c.takeJob(); jobID != "" && h.cfg.Cancels != nil {
		log.Info("Cancelling job", "jobID", jobID)
		if err := h.cfg.Cancels.Cancel(ctx, jobID); err != nil {
			log.Error("Failed to cancel job", "jobID", jobID, "error", err)
		}
	}
	h.reply(log, c, c.session, domain.Failed(KillMessage))
}

// reply sends a synthetic completion to the requesting connection only.
func (h *Hub) reply(log *slog.Logger, c *client, room string, payload domain.CompletePayload) {
	if err := c.emit(domain.EventComplete, payload); err != nil {
		log.Warn("Failed to write to websocket", "room", room, "error", err)
	}
}

func (h *Hub) serveExplain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code    string `json:"code"`
		Version string `json:"version"`
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
			return
		}
	} else {
		req.Code = r.FormValue("code")
		req.Version = r.FormValue("version")
	}

	if h.cfg.Results == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Explain is unavailable"})
		return
	}

	job := domain.Job{ID: uuid.NewString(), Params: domain.ExplainParams(req.Code, h.version(req.Version))}
	if err := h.cfg.Queue.Publish(r.Context(), job); err != nil {
		h.log.Error("Failed to publish job", "jobID", job.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
		return
	}

	result, err := h.cfg.Results.AwaitResult(r.Context(), job.ID, h.cfg.ExplainTimeout)
	if errors.Is(err, domain.ErrNoResult) {
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "Timed out waiting for a worker"})
		return
	}
	if err != nil {
		h.log.Error("Failed to await result", "jobID", job.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// version falls back to the default when the requested tag is unusable.
func (h *Hub) version(requested string) string {
	v, err := matl.SanitizeVersion(requested)
	if err != nil {
		return h.cfg.DefaultVersion
	}
	return v
}

func (h *Hub) originAllowed(origin string) bool {
	return len(h.cfg.AllowedOrigins) == 0 || slices.Contains(h.cfg.AllowedOrigins, origin)
}

// cors adds headers to allow requests from the frontend.
func (h *Hub) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case len(h.cfg.AllowedOrigins) == 0:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && h.originAllowed(origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		// Handle Preflight OPTIONS request
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// client is one websocket connection. gorilla connections allow a single
// concurrent writer, so writes are serialised by writeMu.
type client struct {
	ws      *websocket.Conn
	key     string
	session string
	// rooms is guarded by Hub.mu.
	rooms []string

	writeMu sync.Mutex
	mu      sync.Mutex
	jobID   string
}

func (c *client) emit(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.write(Frame{Event: name, Data: data})
}

func (c *client) write(frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(frame)
}

func (c *client) setJob(id string) {
	c.mu.Lock()
	c.jobID = id
	c.mu.Unlock()
}

func (c *client) takeJob() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.jobID
	c.jobID = ""
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}
