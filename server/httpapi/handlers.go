package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/migadu/sift/filter"
	"github.com/migadu/sift/pkg/health"
	"github.com/migadu/sift/sexp"
	"github.com/migadu/sift/server/delivery"
)

// Request/Response types

type EvaluateRequest struct {
	Expression string `json:"expression"`
	Message    string `json:"message,omitempty"` // RFC822 message the expression runs against
}

type EvaluateResponse struct {
	Kind  string `json:"kind"`
	Value any    `json:"value"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type RulesResponse struct {
	Rules  []string           `json:"rules"`
	Errors []filter.RuleError `json:"errors,omitempty"`
}

type MessageResponse struct {
	UID          string            `json:"uid"`
	Folder       string            `json:"folder"`
	Subject      string            `json:"subject"`
	Size         int64             `json:"size"`
	SentDate     time.Time         `json:"sent_date"`
	ReceivedDate time.Time         `json:"received_date"`
	Flags        []string          `json:"flags"`
	UserFlags    []string          `json:"user_flags"`
	Tags         map[string]string `json:"tags"`
	Score        int64             `json:"score"`
	Source       string            `json:"source,omitempty"`
}

// valueJSON renders an expression result with its natural JSON type.
func valueJSON(v sexp.Value) EvaluateResponse {
	resp := EvaluateResponse{Kind: v.Kind.String()}
	switch v.Kind {
	case sexp.Bool:
		resp.Value = v.Bool()
	case sexp.Int:
		resp.Value = v.Int()
	case sexp.Time:
		resp.Value = v.Time().Format(time.RFC3339)
	case sexp.String:
		resp.Value = v.Str()
	case sexp.StringSet:
		members := v.Set()
		if members == nil {
			members = []string{}
		}
		resp.Value = members
	}
	return resp
}

// Handler functions

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	d, release := s.deliverer.Acquire()
	resp := map[string]any{
		"status": "ok",
		"rules":  len(d.Rules()),
	}
	release()
	code := http.StatusOK
	if s.health != nil {
		overall := s.health.Overall()
		resp["components"] = s.health.Reports()
		if overall != health.StatusHealthy {
			resp["status"] = string(overall)
		}
		if overall == health.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
	}
	if st := s.deliverer.Store(); st != nil {
		stats, err := st.Stats(r.Context())
		if err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		resp["folders"] = stats.MessagesPerFolder
		resp["filter_runs"] = stats.TotalRuns
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req EvaluateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Expression == "" {
		s.writeError(w, http.StatusBadRequest, "Expression is required")
		return
	}

	var msg *filter.Message
	if req.Message != "" {
		var err error
		if msg, err = filter.ParseMessage([]byte(req.Message), ""); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	d, release := s.deliverer.Acquire()
	v, err := d.Evaluate(req.Expression, msg)
	release()
	if err != nil {
		resp := ErrorResponse{Error: err.Error()}
		var se *sexp.Error
		if errors.As(err, &se) {
			resp.Kind = se.Kind.String()
		}
		s.writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	s.writeJSON(w, http.StatusOK, valueJSON(v))
}

func (s *Server) handleFilter(w http.ResponseWriter, r *http.Request) {
	s.deliver(w, r, true)
}

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	s.deliver(w, r, false)
}

func (s *Server) deliver(w http.ResponseWriter, r *http.Request, dryRun bool) {
	raw, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if len(raw) == 0 {
		s.writeError(w, http.StatusBadRequest, "Message body is required")
		return
	}

	res, err := s.deliverer.Deliver(r.Context(), raw, delivery.Options{
		Folder: r.URL.Query().Get("folder"),
		Source: r.URL.Query().Get("source"),
		DryRun: dryRun,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	status := http.StatusOK
	if !dryRun {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, res)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	d, release := s.deliverer.Acquire()
	defer release()
	s.writeJSON(w, http.StatusOK, RulesResponse{Rules: d.Rules(), Errors: d.Check()})
}

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	folders, err := s.deliverer.Store().Folders(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"folders": folders})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	folder := mux.Vars(r)["folder"]
	query := r.URL.Query().Get("q")
	if query == "" {
		s.writeError(w, http.StatusBadRequest, "Query parameter 'q' is required")
		return
	}

	uids, err := s.deliverer.Search(r.Context(), folder, query)
	if err != nil {
		resp := ErrorResponse{Error: err.Error()}
		var se *sexp.Error
		if errors.As(err, &se) {
			resp.Kind = se.Kind.String()
			s.writeJSON(w, http.StatusUnprocessableEntity, resp)
			return
		}
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"folder": folder,
		"uids":   uids,
		"total":  len(uids),
	})
}

func (s *Server) handleRefilter(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	folder := mux.Vars(r)["folder"]
	results, err := s.deliverer.Refilter(r.Context(), folder)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"folder":  folder,
		"results": results,
		"total":   len(results),
	})
}

func (s *Server) handleExpunge(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	folder := mux.Vars(r)["folder"]
	n, err := s.deliverer.Store().Expunge(r.Context(), folder)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"folder": folder, "expunged": n})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	msg, err := s.deliverer.Store().GetMessage(r.Context(), mux.Vars(r)["uid"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	resp := MessageResponse{
		UID:          msg.UID,
		Folder:       msg.Folder,
		Size:         msg.Size,
		SentDate:     msg.SentDate,
		ReceivedDate: msg.ReceivedDate,
		Flags:        make([]string, 0, len(msg.Flags)),
		UserFlags:    msg.UserFlags,
		Tags:         msg.Tags,
		Score:        msg.Score,
		Source:       msg.Source,
	}
	if values := msg.HeaderValues("Subject"); len(values) > 0 {
		resp.Subject = values[0]
	}
	for _, f := range msg.Flags {
		resp.Flags = append(resp.Flags, string(f))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}
	uid := mux.Vars(r)["uid"]
	runs, err := s.deliverer.Store().Runs(r.Context(), uid, limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"uid": uid, "runs": runs, "total": len(runs)})
}
