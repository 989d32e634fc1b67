package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/harun/toolhub/pkg/history"
	"github.com/harun/toolhub/pkg/toolexecutor"
)

const maxBodyBytes = 1 << 20

// apiRoutes builds the authenticated /v1 API.
func (s *Server) apiRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/tools", s.handleListTools)
	mux.HandleFunc("GET /v1/tools/{id}", s.handleGetTool)
	mux.HandleFunc("POST /v1/tools/{id}/execute", s.handleExecute)
	mux.HandleFunc("POST /v1/tools/{id}/reset", s.handleReset)
	mux.HandleFunc("GET /v1/domains", s.handleDomains)
	mux.HandleFunc("GET /v1/metrics", s.handleMetrics)
	mux.HandleFunc("GET /v1/metrics/tools/{id}", s.handleToolMetrics)
	mux.HandleFunc("GET /v1/metrics/domains/{domain}", s.handleDomainMetrics)
	mux.HandleFunc("DELETE /v1/cache", s.handleClearCache)
	mux.HandleFunc("GET /v1/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /v1/clients", s.handleClients)

	if s.approvals != nil {
		mux.HandleFunc("GET /v1/approvals", s.handleListApprovals)
		mux.HandleFunc("POST /v1/approvals/{id}", s.handleResolveApproval)
	}
	if s.history != nil {
		mux.HandleFunc("GET /v1/history", s.handleHistory)
		mux.HandleFunc("GET /v1/history/{execution}", s.handleHistoryEntry)
		mux.HandleFunc("GET /v1/history/stats/{tool}", s.handleHistoryStats)
	}
	return mux
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tools := s.listTools(toolexecutor.ToolFilter{
		Domain:   q.Get("domain"),
		Category: q.Get("category"),
		Query:    q.Get("q"),
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tools": tools,
		"count": len(tools),
	})
}

func (s *Server) handleGetTool(w http.ResponseWriter, r *http.Request) {
	tool, err := s.getTool(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tool)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := withClientID(r.Context(), "http:"+remoteHost(r))
	result, err := s.execute(ctx, r.PathValue("id"), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	out, err := s.resetTool(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDomains(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"domains": s.executor.GetDomains()})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.executor.GetMetrics())
}

func (s *Server) handleToolMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.executor.GetToolMetrics(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDomainMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.executor.GetDomainMetrics(r.PathValue("domain"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleClearCache(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"cleared": s.executor.ClearCache()})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok := s.executor.GetExecution(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("execution %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleClients(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"clients": s.clients.Snapshot()})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"approvals": s.approvals.Pending()})
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action string `json:"action"`
		Actor  string `json:"actor,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	actor := body.Actor
	if actor == "" {
		actor = "http:" + remoteHost(r)
	}

	if err := s.resolveApproval(r.PathValue("id"), body.Action, actor); err != nil {
		status := http.StatusInternalServerError
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			switch rpcErr.Code {
			case InvalidParams:
				status = http.StatusBadRequest
			case NotFound:
				status = http.StatusNotFound
			}
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	query, err := historyQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.history.List(r.Context(), query)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleHistoryEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.history.Get(r.Context(), r.PathValue("execution"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleHistoryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.history.Stats(r.Context(), r.PathValue("tool"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// historyQuery reads tool, domain, status, since and limit. since accepts a
// Go duration ("1h", meaning the last hour) or an RFC 3339 timestamp.
func historyQuery(r *http.Request) (history.Query, error) {
	q := r.URL.Query()
	query := history.Query{
		ToolID: q.Get("tool"),
		Domain: q.Get("domain"),
		Status: toolexecutor.ExecutionStatus(q.Get("status")),
	}

	if raw := q.Get("since"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			query.Since = time.Now().Add(-d)
		} else if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			query.Since = ts
		} else {
			return history.Query{}, fmt.Errorf("invalid since %q", raw)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return history.Query{}, fmt.Errorf("invalid limit %q", raw)
		}
		query.Limit = limit
	}
	return query, nil
}

// decodeBody decodes a JSON body. An empty body leaves out untouched.
func decodeBody(r *http.Request, out interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
