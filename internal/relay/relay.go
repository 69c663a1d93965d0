// Package relay is a minimal in-memory message relay speaking the same
// protocol the sync engine consumes. It backs self-hosted experiments and
// end-to-end tests.
package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	defaultLimit = 200
	maxLimit     = 1000
	maxBody      = 1 << 20
)

// Record is the canonical message shape returned by every endpoint.
type Record struct {
	ID              string  `json:"id"`
	ClientMessageID string  `json:"clientMessageId"`
	FromUserID      string  `json:"fromUserId"`
	ToUserID        string  `json:"toUserId"`
	ContentType     string  `json:"contentType"`
	Content         string  `json:"content"`
	CreatedAt       string  `json:"createdAt"`
	ReadAt          *string `json:"readAt"`

	seq     int64
	created time.Time
}

type postBody struct {
	FromUserID      string `json:"fromUserId"`
	ToUserID        string `json:"toUserId"`
	ContentType     string `json:"contentType"`
	Content         string `json:"content"`
	ClientMessageID string `json:"clientMessageId"`
}

// Relay stores messages in memory, keyed by clientMessageId.
type Relay struct {
	mu       sync.Mutex
	byClient map[string]*Record
	byID     map[string]*Record
	seq      int64
	now      func() time.Time
	logger   *zap.Logger
	router   *mux.Router
}

// New creates an empty relay.
func New(logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Relay{
		byClient: make(map[string]*Record),
		byID:     make(map[string]*Record),
		now:      time.Now,
		logger:   logger,
		router:   mux.NewRouter(),
	}
	r.setupRoutes()
	return r
}

func (r *Relay) setupRoutes() {
	r.router.HandleFunc("/health", r.handleHealth()).Methods(http.MethodGet)

	api := r.router.PathPrefix("/api/messages").Subrouter()
	api.HandleFunc("", r.handlePost()).Methods(http.MethodPost)
	api.HandleFunc("", r.handleList()).Methods(http.MethodGet)
	api.HandleFunc("/{id}/read", r.handleRead()).Methods(http.MethodPost)
}

// Handler returns the HTTP handler serving the relay protocol.
func (r *Relay) Handler() http.Handler { return r.router }

// Len returns the number of stored messages.
func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byClient)
}

// Get returns a copy of the record with the given clientMessageId.
func (r *Relay) Get(clientMessageID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byClient[clientMessageID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func (r *Relay) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (r *Relay) handlePost() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body postBody
		if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBody)).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if body.ClientMessageID == "" || body.FromUserID == "" || body.ToUserID == "" || body.Content == "" {
			writeError(w, http.StatusBadRequest, "clientMessageId, fromUserId, toUserId and content are required")
			return
		}
		if body.ContentType == "" {
			body.ContentType = "text"
		}

		r.mu.Lock()
		if existing, ok := r.byClient[body.ClientMessageID]; ok {
			rec := *existing
			r.mu.Unlock()
			if rec.FromUserID != body.FromUserID || rec.ToUserID != body.ToUserID {
				writeError(w, http.StatusConflict, "clientMessageId already used by another conversation")
				return
			}
			writeJSON(w, http.StatusOK, rec)
			return
		}
		r.seq++
		now := r.now().UTC().Truncate(time.Millisecond)
		rec := &Record{
			ID:              "s" + strconv.FormatInt(r.seq, 10),
			ClientMessageID: body.ClientMessageID,
			FromUserID:      body.FromUserID,
			ToUserID:        body.ToUserID,
			ContentType:     body.ContentType,
			Content:         body.Content,
			CreatedAt:       formatTime(now),
			seq:             r.seq,
			created:         now,
		}
		r.byClient[rec.ClientMessageID] = rec
		r.byID[rec.ID] = rec
		out := *rec
		r.mu.Unlock()

		r.logger.Debug("message accepted",
			zap.String("id", out.ID), zap.String("client_message_id", out.ClientMessageID))
		writeJSON(w, http.StatusCreated, out)
	}
}

func (r *Relay) handleList() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		viewer, friend := q.Get("viewerUserId"), q.Get("friendUserId")
		if viewer == "" || friend == "" {
			writeError(w, http.StatusBadRequest, "viewerUserId and friendUserId are required")
			return
		}
		limit := defaultLimit
		if s := q.Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = min(n, maxLimit)
		}
		var since time.Time
		if s := q.Get("since"); s != "" {
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid since")
				return
			}
			since = t
		}

		r.mu.Lock()
		items := make([]Record, 0)
		for _, rec := range r.byClient {
			pair := (rec.FromUserID == viewer && rec.ToUserID == friend) ||
				(rec.FromUserID == friend && rec.ToUserID == viewer)
			if !pair {
				continue
			}
			if !since.IsZero() && !rec.created.After(since) {
				continue
			}
			items = append(items, *rec)
		}
		r.mu.Unlock()

		sort.Slice(items, func(i, j int) bool {
			if !items[i].created.Equal(items[j].created) {
				return items[i].created.Before(items[j].created)
			}
			return items[i].seq < items[j].seq
		})
		if len(items) > limit {
			items = items[:limit]
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	}
}

func (r *Relay) handleRead() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		id := mux.Vars(req)["id"]
		var body struct {
			ViewerUserID string `json:"viewerUserId"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBody)).Decode(&body); err != nil || body.ViewerUserID == "" {
			writeError(w, http.StatusBadRequest, "viewerUserId is required")
			return
		}

		r.mu.Lock()
		rec, ok := r.byID[id]
		if !ok {
			r.mu.Unlock()
			writeError(w, http.StatusNotFound, fmt.Sprintf("message %q not found", id))
			return
		}
		if rec.ToUserID != body.ViewerUserID {
			r.mu.Unlock()
			writeError(w, http.StatusForbidden, "only the recipient can mark a message read")
			return
		}
		if rec.ReadAt == nil {
			at := formatTime(r.now())
			rec.ReadAt = &at
		}
		out := *rec
		r.mu.Unlock()

		writeJSON(w, http.StatusOK, out)
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": strings.TrimSpace(msg)})
}
