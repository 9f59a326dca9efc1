package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/xhad/dossier/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const writeWait = 10 * time.Second

// Message is one frame on the report websocket. Type is "status" for full snapshots,
// "section" for section events and "error" before the server closes the socket.
type Message struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// watchReport streams a report: a status snapshot, then section events until the report
// finishes, then a final snapshot.
func (s *Server) watchReport(c *gin.Context) {
	reportID := c.Param("id")
	ctx := c.Request.Context()

	// subscribe before the snapshot so no event falls between the two
	events, cancel := s.config.Reports.Watch(reportID)
	defer cancel()

	st, err := s.config.Reports.GetReportStatus(ctx, reportID)
	if err != nil {
		s.respondStoreError(c, err, "report")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "report_id", reportID, "error", err)
		return
	}
	defer conn.Close()

	// The client never sends anything meaningful; reading detects a closed connection.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if !s.send(conn, Message{Type: "status", Data: st}) {
		return
	}
	if finished(st.Status) {
		s.closeSocket(conn)
		return
	}

	for {
		select {
		case e, ok := <-events:
			if !ok {
				if st, err := s.config.Reports.GetReportStatus(ctx, reportID); err == nil {
					s.send(conn, Message{Type: "status", Data: st})
				} else {
					s.send(conn, Message{Type: "error", Content: err.Error()})
				}
				s.closeSocket(conn)
				return
			}
			if !s.send(conn, Message{Type: "section", Data: e}) {
				return
			}
		case <-closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

func finished(st models.ReportStatus) bool {
	switch st {
	case models.ReportDone, models.ReportPartial, models.ReportFailed:
		return true
	}
	return false
}

func (s *Server) send(conn *websocket.Conn, msg Message) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Debug("error sending message", "error", err)
		return false
	}
	return true
}

func (s *Server) closeSocket(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "report finished"),
		time.Now().Add(writeWait))
}
