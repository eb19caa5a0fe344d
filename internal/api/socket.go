package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"codecanvas/internal/collab"
	"codecanvas/internal/history"
	"codecanvas/internal/models"
	"codecanvas/internal/transport"
)

const (
	pingPeriod     = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	sendQueueLen   = 256
)

// clientFrame is one message from the editor over the collab socket.
type clientFrame struct {
	Type      string                 `json:"type"`
	Cursor    *models.CursorPosition `json:"cursor,omitempty"`
	Selection *models.SelectionRange `json:"selection,omitempty"`
	Content   string                 `json:"content,omitempty"`
	Kind      models.ContentKind     `json:"kind,omitempty"`
	VersionID string                 `json:"version_id,omitempty"`
}

// serverFrame is one message pushed to the editor.
type serverFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// collabSocket upgrades the request and bridges the websocket to a
// collaboration session: inbound frames become session operations, session
// updates become outbound frames. The session lives exactly as long as the
// socket.
func (h *Handler) collabSocket(c *gin.Context) {
	user, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	projectID := c.Param("id")
	if _, err := h.store.Project(c.Request.Context(), projectID); err != nil {
		if errors.Is(err, history.ErrProjectNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load project"})
		return
	}

	sess, err := h.collab.Session(projectID, user)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if err := sess.Attach(ctx); err != nil {
		log.Printf("collab socket attach failed for project %s: %v", projectID, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "could not attach to project"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		log.Printf("collab socket upgrade failed for project %s: %v", projectID, err)
		sess.Leave()
		return
	}

	client := &socketClient{
		conn: conn,
		send: make(chan []byte, sendQueueLen),
		sess: sess,
	}
	cancel := sess.Notify(client.queueUpdate)

	// Prime the client with the state it missed before the observer existed.
	snapshot := sess.Presence()
	client.queueFrame(serverFrame{Type: "presence_state", Payload: &snapshot})
	if entries, err := sess.History(ctx); err == nil {
		client.queueFrame(serverFrame{Type: "history", Payload: entries})
	} else {
		log.Printf("collab socket load history for project %s: %v", projectID, err)
	}

	go client.writePump()
	client.readPump(ctx)

	cancel()
	if err := sess.Leave(); err != nil {
		log.Printf("collab socket leave failed for project %s: %v", projectID, err)
	}
	client.close()
}

type socketClient struct {
	conn *websocket.Conn
	sess *collab.Session
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func (sc *socketClient) queueUpdate(update collab.Update) {
	switch {
	case update.Presence != nil:
		sc.queueFrame(serverFrame{Type: "presence_state", Payload: update.Presence})
	case update.History != nil:
		sc.queueFrame(serverFrame{Type: "history", Payload: update.History})
	case update.Restore != nil:
		sc.queueFrame(serverFrame{Type: "version_restored", Payload: update.Restore})
	}
}

func (sc *socketClient) queueFrame(frame serverFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		log.Printf("collab socket encode frame: %v", err)
		return
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return
	}
	select {
	case sc.send <- payload:
	default:
		// Presence frames are superseded by the next one anyway.
		log.Printf("collab socket dropping frame for slow client")
	}
}

func (sc *socketClient) close() {
	sc.mu.Lock()
	if !sc.closed {
		sc.closed = true
		close(sc.send)
	}
	sc.mu.Unlock()
	sc.conn.Close()
}

func (sc *socketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case payload, ok := <-sc.send:
			if !ok {
				sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
				sc.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sc.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (sc *socketClient) readPump(ctx context.Context) {
	sc.conn.SetReadLimit(maxMessageSize)
	sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	sc.conn.SetPongHandler(func(string) error {
		sc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := sc.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			sc.queueFrame(serverFrame{Type: "error", Payload: gin.H{"message": "invalid frame"}})
			continue
		}
		sc.handleFrame(ctx, frame)
	}
}

func (sc *socketClient) handleFrame(ctx context.Context, frame clientFrame) {
	switch frame.Type {
	case "presence":
		sc.sess.UpdatePresence(ctx, collab.PresenceUpdate{
			Cursor:    frame.Cursor,
			Selection: frame.Selection,
		})
	case "save":
		entry, err := sc.sess.SaveVersion(ctx, frame.Content, frame.Kind)
		if err != nil {
			sc.queueFrame(serverFrame{Type: "error", Payload: gin.H{"message": "could not save version"}})
			return
		}
		sc.queueFrame(serverFrame{Type: "saved", Payload: entry})
	case "restore":
		if _, err := sc.sess.RestoreVersion(ctx, frame.VersionID); err != nil {
			message := "could not restore version"
			if errors.Is(err, history.ErrVersionNotFound) {
				message = "version not found"
			}
			sc.queueFrame(serverFrame{Type: "error", Payload: gin.H{"message": message}})
		}
	default:
		log.Printf("collab socket ignoring unknown frame type %q", frame.Type)
	}
}

// notifyRestore broadcasts a version_restore message for a restore performed
// outside a live session. Failures are logged only: the restore itself has
// already been persisted.
func notifyRestore(ctx context.Context, channel transport.Channel, entry *models.VersionEntry) {
	payload, err := json.Marshal(collab.RestoreNotice{
		VersionID: entry.ID,
		Content:   entry.Content,
		Kind:      entry.Kind,
	})
	if err == nil {
		err = channel.Send(ctx, transport.Message{Type: transport.TypeVersionRestore, Payload: payload})
	}
	if err != nil {
		log.Printf("restore broadcast for project %s: %v", entry.ProjectID, err)
	}
}
