// Package api wires the HTTP surface: request execution, session and
// workspace management, package installs, and replay lookup, behind a JWT
// bearer-token auth middleware.
package api

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"cage/internal/admission"
	"cage/internal/audit"
	"cage/internal/model"
	"cage/internal/packages"
	"cage/internal/sandbox"
	"cage/internal/security"
)

// Server bundles the collaborators the router dispatches to.
type Server struct {
	Pipeline *admission.Pipeline
	Manager  *sandbox.Manager
	Executor *sandbox.Executor
	Packages *packages.Manager
	Auth     *security.SignatureVerifier
	Audit    *audit.Sink
	Log      *zap.Logger
}

// NewRouter builds the gin engine with every route mounted.
func NewRouter(s *Server) *gin.Engine {
	if s.Log == nil {
		s.Log = zap.NewNop()
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.Log))

	r.GET("/healthz", s.handleHealthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.Use(s.authMiddleware())
	{
		v1.POST("/execute", s.handleExecute)
		v1.GET("/sessions/:user_id/:language", s.handleGetSession)
		v1.DELETE("/sessions/:user_id/:language", s.handleTerminateSession)
		v1.GET("/sessions/:user_id/:language/attach", s.handleAttach)

		v1.GET("/files/:user_id/*path", s.handleListOrReadFile)
		v1.PUT("/files/:user_id/*path", s.handleWriteFile)
		v1.DELETE("/files/:user_id/*path", s.handleDeleteFile)

		v1.POST("/packages/install", s.handlePackageInstall)
		v1.GET("/replay/:execution_id", s.handleReplay)
	}

	return r
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

// authMiddleware validates the bearer token and stores the caller's user_id
// in the gin context for handlers to read back.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			s.denyAuth(c.ClientIP(), c.Request.URL.Path, "missing bearer token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := s.Auth.Verify(header[len(prefix):])
		if err != nil {
			s.denyAuth(c.ClientIP(), c.Request.URL.Path, "invalid token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("user_id", claims.UserID)
		c.Next()
	}
}

// denyAuth records an AUTHENTICATION/DENIED audit event for a rejected
// bearer token. The caller isn't authenticated yet, so the client address
// stands in for user_id.
func (s *Server) denyAuth(clientIP, path, reason string) {
	if s.Audit == nil {
		return
	}
	s.Audit.Denied(model.AuditAuthentication, clientIP, path, reason)
}

func callerUserID(c *gin.Context) string {
	v, _ := c.Get("user_id")
	id, _ := v.(string)
	return id
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "active_sessions": s.Manager.ActiveSessionCount()})
}

func (s *Server) handleExecute(c *gin.Context) {
	var req model.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.Pipeline.Execute(c.Request.Context(), callerUserID(c), req)
	if err != nil {
		writeAdmissionError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// writeAdmissionError maps an admission-pipeline error to the HTTP status
// appropriate for its category: bad request for malformed input or an
// analyzer block, forbidden for policy denial, too-many-requests for rate
// limiting, and internal server error for anything unclassified.
func writeAdmissionError(c *gin.Context, err error) {
	var blocked *admission.BlockedError
	switch {
	case errors.As(err, &blocked):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "analysis": blocked.Result})
	case errors.Is(err, admission.ErrPayloadEmpty),
		errors.Is(err, admission.ErrPayloadTooLarge),
		errors.Is(err, admission.ErrInvalidTimeout):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, admission.ErrUserDisabled),
		errors.Is(err, admission.ErrUserNotFound),
		errors.Is(err, admission.ErrLanguageNotAllowed):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, admission.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) handleGetSession(c *gin.Context) {
	userID := c.Param("user_id")
	lang := model.Language(c.Param("language"))
	session, ok := s.Manager.GetSession(userID, lang)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
		return
	}
	c.JSON(http.StatusOK, session.Info())
}

func (s *Server) handleTerminateSession(c *gin.Context) {
	userID := c.Param("user_id")
	lang := model.Language(c.Param("language"))
	purge := c.Query("purge_workspace") == "true"

	if err := s.Manager.TerminateSession(c.Request.Context(), userID, lang, purge); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.Packages.ClearUserPackages(userID)
	c.Status(http.StatusNoContent)
}

func (s *Server) handlePackageInstall(c *gin.Context) {
	var body struct {
		Language    model.Language `json:"language"`
		Package     string         `json:"package"`
		ContainerID string         `json:"container_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := callerUserID(c)
	containerID := body.ContainerID
	if containerID == "" {
		session, ok := s.Manager.GetSession(userID, body.Language)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active session for this language"})
			return
		}
		containerID = session.ContainerID()
	}

	out, err := s.Packages.Install(c.Request.Context(), userID, containerID, body.Package, body.Language)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": out})
}

func (s *Server) handleReplay(c *gin.Context) {
	executionID := c.Param("execution_id")
	record, ok := s.Pipeline.Replay.Get(executionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no replay record for this execution"})
		return
	}
	c.JSON(http.StatusOK, record)
}

// workspaceFile resolves a user/path pair to a host path under the user's
// workspace, rejecting any attempt to escape it via "..".
func workspaceFile(session *sandbox.Session, reqPath string) (string, error) {
	clean := filepath.Clean("/" + reqPath)
	full := filepath.Join(session.WorkspacePath, clean)
	if full != session.WorkspacePath && !strings.HasPrefix(full, session.WorkspacePath+string(filepath.Separator)) {
		return "", errors.New("path escapes workspace")
	}
	return full, nil
}

func (s *Server) sessionForFileOp(c *gin.Context) (*sandbox.Session, bool) {
	userID := c.Param("user_id")
	lang := model.Language(c.DefaultQuery("language", string(model.LanguagePython)))
	session, ok := s.Manager.GetSession(userID, lang)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
		return nil, false
	}
	return session, true
}

func (s *Server) handleListOrReadFile(c *gin.Context) {
	session, ok := s.sessionForFileOp(c)
	if !ok {
		return
	}
	full, err := workspaceFile(session, c.Param("path"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	info, err := os.Stat(full)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if info.IsDir() {
		c.JSON(http.StatusOK, listDirectory(full, c.Param("path")))
		return
	}
	c.File(full)
}

func listDirectory(full, reqPath string) model.FileListResponse {
	entries, _ := os.ReadDir(full)
	resp := model.FileListResponse{Path: reqPath}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		ft := model.FileTypeFile
		if e.IsDir() {
			ft = model.FileTypeDirectory
		}
		resp.Files = append(resp.Files, model.FileInfo{
			Name:       e.Name(),
			Path:       filepath.Join(reqPath, e.Name()),
			Type:       ft,
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime(),
		})
		resp.TotalSizeBytes += info.Size()
	}
	return resp
}

func (s *Server) handleWriteFile(c *gin.Context) {
	session, ok := s.sessionForFileOp(c)
	if !ok {
		return
	}
	full, err := workspaceFile(session, c.Param("path"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := os.WriteFile(full, body, 0o644); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeleteFile(c *gin.Context) {
	session, ok := s.sessionForFileOp(c)
	if !ok {
		return
	}
	full, err := workspaceFile(session, c.Param("path"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := os.RemoveAll(full); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

