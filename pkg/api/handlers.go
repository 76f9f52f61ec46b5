package api

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/maestro-run/maestro/pkg/action"
	"github.com/maestro-run/maestro/pkg/eventlog"
	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/playbook"
)

type registerRequest struct {
	Path          string `json:"path"`
	ContentBase64 string `json:"content_base64"`
}

// handleRegister accepts either a JSON body with base64 playbook text
// or the raw YAML document itself.
func (s *Server) handleRegister(c *gin.Context) {
	var content []byte
	var path string

	if strings.Contains(c.ContentType(), "json") {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		decoded, err := base64.StdEncoding.DecodeString(req.ContentBase64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "content_base64 is not valid base64"})
			return
		}
		content = decoded
		path = req.Path
	} else {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil || len(body) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "empty request body"})
			return
		}
		content = body
	}

	if path == "" {
		pb, _, err := playbook.Parse(content)
		if err != nil {
			abortWith(c, err)
			return
		}
		path = pb.Metadata.Path
	}

	entry, warnings, err := s.cat.Register(c.Request.Context(), path, content)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"path":     entry.Path,
		"version":  entry.Version,
		"warnings": warnings,
	})
}

// handleCatalogGet serves /catalog/*ref where ref is <path> or
// <path>/<version>. Playbook paths may contain slashes, so the version
// is recognized as a trailing integer segment. An empty ref lists the
// catalog, optionally narrowed by a prefix query parameter.
func (s *Server) handleCatalogGet(c *gin.Context) {
	ref := strings.Trim(c.Param("ref"), "/")
	if ref == "" {
		s.handleCatalogList(c)
		return
	}

	path, version := ref, 0
	if i := strings.LastIndex(ref, "/"); i > 0 {
		if v, err := strconv.Atoi(ref[i+1:]); err == nil && v > 0 {
			path, version = ref[:i], v
		}
	}

	pb, entry, err := s.cat.Resolve(c.Request.Context(), path, version)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"path":    entry.Path,
		"version": entry.Version,
		"content": entry.Content,
		"parsed_summary": gin.H{
			"name":  pb.Metadata.Name,
			"steps": len(pb.Workflow),
			"tasks": len(pb.Workbook),
		},
	})
}

// handleCatalogList returns the latest version per registered path.
// Content stays out of the listing; callers fetch it per path.
func (s *Server) handleCatalogList(c *gin.Context) {
	entries, err := s.cat.List(c.Request.Context(), c.Query("prefix"))
	if err != nil {
		abortWith(c, err)
		return
	}
	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, gin.H{
			"path":       e.Path,
			"version":    e.Version,
			"created_at": e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"playbooks": out, "count": len(out)})
}

type executeRequest struct {
	Path    string         `json:"path" binding:"required"`
	Version int            `json:"version"`
	Payload map[string]any `json:"payload"`
	Merge   bool           `json:"merge"`
}

func (s *Server) handleExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	id, err := s.broker.Execute(c.Request.Context(), req.Path, req.Version, req.Payload, req.Merge)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"execution_id": id})
}

func (s *Server) handleCancel(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid execution id"})
		return
	}
	if err := s.broker.Cancel(c.Request.Context(), id); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleExecution(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid execution id"})
		return
	}
	exec, err := s.execs.Get(c.Request.Context(), id)
	if err != nil {
		abortWith(c, err)
		return
	}
	snap, err := s.broker.Snapshot(c.Request.Context(), id)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution": exec, "snapshot": snap})
}

func (s *Server) handleExecutions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	out, err := s.execs.List(c.Request.Context(), eventlog.ListFilter{
		Path:   c.Query("path"),
		Status: models.ExecutionStatus(c.Query("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": out, "count": len(out)})
}

func (s *Server) handleEvents(c *gin.Context) {
	executionID, err := strconv.ParseInt(c.Query("execution_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "execution_id is required"})
		return
	}
	since, _ := strconv.ParseInt(c.Query("since"), 10, 64)

	events, err := s.events.Range(c.Request.Context(), executionID, since)
	if err != nil {
		abortWith(c, err)
		return
	}
	next := since
	if len(events) > 0 {
		next = events[len(events)-1].EventID
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "next_since": next})
}

type credentialRequest struct {
	Name    string         `json:"name" binding:"required"`
	Kind    string         `json:"kind" binding:"required"`
	Payload map[string]any `json:"payload" binding:"required"`
}

func (s *Server) handleCredentialPut(c *gin.Context) {
	var req credentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	err := s.creds.Put(c.Request.Context(), &models.Credential{
		Name:    req.Name,
		Kind:    models.CredentialKind(req.Kind),
		Payload: req.Payload,
	})
	if err != nil {
		abortWith(c, err)
		return
	}
	// The payload is accepted and stored but never echoed back.
	c.JSON(http.StatusCreated, gin.H{"name": req.Name, "kind": req.Kind})
}

func (s *Server) handleCredentialList(c *gin.Context) {
	out, err := s.creds.List(c.Request.Context())
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credentials": out})
}

func (s *Server) handleCredentialGet(c *gin.Context) {
	cred, err := s.creds.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		abortWith(c, err)
		return
	}
	// Secret material never leaves through the API.
	c.JSON(http.StatusOK, gin.H{
		"name":       cred.Name,
		"kind":       cred.Kind,
		"created_at": cred.CreatedAt,
	})
}

func (s *Server) handleCredentialDelete(c *gin.Context) {
	if err := s.creds.Delete(c.Request.Context(), c.Param("name")); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type postgresExecuteRequest struct {
	Query            string `json:"query"`
	QueryBase64      string `json:"query_base64"`
	Parameters       []any  `json:"parameters"`
	Schema           string `json:"schema"`
	ConnectionString string `json:"connection_string" binding:"required"`
}

// handlePostgresExecute is the diagnostic SQL passthrough. It reuses
// the postgres action so mode inference and row normalization behave
// exactly as in workflow steps.
func (s *Server) handlePostgresExecute(c *gin.Context) {
	var req postgresExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	query := req.Query
	if query == "" && req.QueryBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.QueryBase64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "query_base64 is not valid base64"})
			return
		}
		query = string(decoded)
	}
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}

	dsn := req.ConnectionString
	if req.Schema != "" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "search_path=" + url.QueryEscape(req.Schema)
	}

	inv := &action.Invocation{
		AttemptCount: 1,
		Config:       map[string]any{"query": query, "params": req.Parameters},
		Credentials: map[string]*models.Credential{
			"connection": {
				Name:    "connection",
				Kind:    models.CredentialPostgres,
				Payload: models.JSONMap{"dsn": dsn},
			},
		},
		Timeout: 30 * time.Second,
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), inv.Timeout)
	defer cancel()

	result, err := (&action.Postgres{}).Invoke(ctx, inv)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, result.Data)
}
