package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"pewcast/internal/broadcast"
	"pewcast/internal/storage"
	logx "pewcast/pkg/logx"
)

type startRequest struct {
	Language string             `json:"language,omitempty"`
	Member   *bool              `json:"member,omitempty"`
	Template string             `json:"template,omitempty"`
	Content  *broadcast.Content `json:"content,omitempty"`
	Actor    string             `json:"actor,omitempty"`
}

type recipientRequest struct {
	ID       string `json:"id"`
	Language string `json:"language,omitempty"`
	Member   bool   `json:"member"`
	Active   *bool  `json:"active,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

// Handler builds the router for cfg. Exposed for tests.
func (s *Server) Handler(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(cfg.AllowOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		}))
	}

	r.Get("/healthz", s.healthz)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))
		r.Use(s.accessLog)

		r.Route("/api/broadcasts", func(r chi.Router) {
			r.Post("/", s.startBroadcast)
			r.Get("/current", s.currentBroadcast)
			r.Get("/{id}", s.broadcastStatus)
			r.Post("/{id}/cancel", s.cancelBroadcast)
		})
		r.Post("/api/recipients", s.upsertRecipients)

		if cfg.Pprof {
			r.HandleFunc("/debug/pprof/*", pprof.Index)
			r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
			r.HandleFunc("/debug/pprof/profile", pprof.Profile)
			r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
			r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		}
	})
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

// bearerAuth accepts "Authorization: Bearer <token>". Empty token disables auth.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(got) != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"ok": true}
	if id, running := s.bc.Running(); running {
		resp["running_job"] = id
	}
	if s.health != nil {
		snaps := s.health()
		for _, snap := range snaps {
			if snap.FirstError != "" {
				resp["ok"] = false
			}
		}
		resp["components"] = snaps
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) startBroadcast(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}

	var content broadcast.Content
	switch {
	case req.Template != "" && req.Content != nil:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "set either template or content, not both"})
		return
	case req.Template != "":
		c, ok := s.bc.Template(req.Template)
		if !ok {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown template " + req.Template})
			return
		}
		content = c
	case req.Content != nil:
		content = *req.Content
	}

	actor := "http"
	if a := strings.TrimSpace(req.Actor); a != "" {
		actor = "http:" + a
	}
	res, err := s.bc.Start(r.Context(), actor, broadcast.Filter{Language: req.Language, Member: req.Member}, content)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) currentBroadcast(w http.ResponseWriter, r *http.Request) {
	p, err := s.bc.Current(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) broadcastStatus(w http.ResponseWriter, r *http.Request) {
	p, err := s.bc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) cancelBroadcast(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.bc.Cancel(r.Context(), "http", id) {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "job " + id + " is not running"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": id, "cancel_requested": true})
}

// upsertRecipients accepts one recipient object or an array of them.
func (s *Server) upsertRecipients(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := decodeJSON(r, &raw); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	var reqs []recipientRequest
	if trimmed := strings.TrimSpace(string(raw)); strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(raw, &reqs); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON: " + err.Error()})
			return
		}
	} else {
		var one recipientRequest
		if err := json.Unmarshal(raw, &one); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON: " + err.Error()})
			return
		}
		reqs = append(reqs, one)
	}

	for i, req := range reqs {
		if strings.TrimSpace(req.ID) == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "recipient id is required"})
			return
		}
		reqs[i].Language = broadcast.NormalizeLanguage(req.Language)
	}
	for _, req := range reqs {
		active := req.Active == nil || *req.Active
		err := s.recipients.UpsertRecipient(r.Context(), storage.Recipient{
			ID:       strings.TrimSpace(req.ID),
			Language: req.Language,
			Member:   req.Member,
			Active:   active,
		})
		if err != nil {
			s.writeError(w, errors.Mark(err, broadcast.ErrStoreUnavailable))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"upserted": len(reqs)})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, broadcast.ErrAlreadyRunning):
		status = http.StatusConflict
	case errors.Is(err, broadcast.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, broadcast.ErrInvalidFilter), errors.Is(err, broadcast.ErrEmptyContent):
		status = http.StatusBadRequest
	case errors.Is(err, broadcast.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		s.log.Error("http request failed", logx.Int("status", status), logx.Err(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Hint: strings.Join(errors.GetAllHints(err), "; ")})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 8<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
