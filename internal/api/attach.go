package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cage/internal/model"
)

var attachUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Interactive attach is authenticated by the same bearer token as every
	// other v1 route; the browser-origin check that CheckOrigin normally
	// guards against is redundant here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// resizeMessage is the one control frame a client may send instead of raw
// keystrokes, to report a terminal resize.
type resizeMessage struct {
	Type string `json:"type"`
	Cols uint   `json:"cols"`
	Rows uint   `json:"rows"`
}

// handleAttach upgrades to a WebSocket and proxies bytes between the caller
// and an interactive shell running inside the session's container. Attach
// holds the session's execution lock for the life of the connection, same as
// any other execution, so a concurrent POST /v1/execute for the same session
// blocks until the attach session ends.
func (s *Server) handleAttach(c *gin.Context) {
	userID := c.Param("user_id")
	lang := model.Language(c.Param("language"))

	session, ok := s.Manager.GetSession(userID, lang)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
		return
	}

	release := session.AcquireExecutionLock()
	defer release()

	conn, err := attachUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Log.Warn("attach upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	hijacked, execID, err := s.Executor.AttachTTY(ctx, session.ContainerID(), 80, 24)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("attach failed: "+err.Error()))
		return
	}
	defer hijacked.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := hijacked.Reader.Read(buf)
			if n > 0 {
				if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType == websocket.TextMessage {
			var resize resizeMessage
			if json.Unmarshal(data, &resize) == nil && resize.Type == "resize" {
				_ = s.Executor.ResizeTTY(ctx, execID, resize.Cols, resize.Rows)
				continue
			}
		}
		if _, err := hijacked.Conn.Write(data); err != nil {
			break
		}
	}

	<-done
}
