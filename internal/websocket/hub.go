package websocket

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/eztheme/builder/internal/model"
	"github.com/eztheme/builder/internal/pipeline"
)

// CodeBuildFailed is the error code pushed when a build fails
const CodeBuildFailed = "BUILD_FAILED"

// Conn is the part of a websocket connection the hub uses
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
}

// Client represents a WebSocket subscriber of one build
type Client struct {
	BuildID string
	Conn    Conn
	Send    chan []byte
}

// Hub maintains active WebSocket connections and pushes pipeline events to them
type Hub struct {
	// Clients grouped by build ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}
	stopOnce   sync.Once

	mu sync.RWMutex
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	BuildID string
	Message []byte
}

// NewHub creates a new Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop. It returns after Stop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.BuildID] == nil {
				h.clients[client.BuildID] = make(map[*Client]bool)
			}
			h.clients[client.BuildID][client] = true
			h.mu.Unlock()
			slog.Debug("websocket client registered", "build_id", client.BuildID)

		case client := <-h.unregister:
			h.remove(client)
			slog.Debug("websocket client unregistered", "build_id", client.BuildID)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.BuildID] {
				select {
				case client.Send <- msg.Message:
				default:
					// slow consumer
					h.removeLocked(client)
				}
			}
			h.mu.Unlock()

		case <-h.done:
			return
		}
	}
}

// Stop ends Run. Clients that disconnect afterwards are still cleaned up.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Subscribers returns the number of clients watching a build
func (h *Hub) Subscribers(buildID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[buildID])
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(client)
}

func (h *Hub) removeLocked(client *Client) {
	clients, ok := h.clients[client.BuildID]
	if !ok {
		return
	}
	if _, ok := clients[client]; ok {
		delete(clients, client)
		close(client.Send)
		if len(clients) == 0 {
			delete(h.clients, client.BuildID)
		}
	}
}

// Register adds a new client
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		// never registered, so nothing else will close Send
		close(client.Send)
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
		h.remove(client)
	}
}

// publish queues a message without blocking the pipeline; it is dropped when
// the queue is full.
func (h *Hub) publish(buildID string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal websocket message", "error", err)
		return
	}
	select {
	case h.broadcast <- &BroadcastMessage{BuildID: buildID, Message: data}:
	default:
		slog.Warn("websocket broadcast queue full, dropping message", "build_id", buildID)
	}
}

// BroadcastProgress sends a progress update to all build subscribers
func (h *Hub) BroadcastProgress(buildID string, progress int, status model.BuildStatus, stage string) {
	h.publish(buildID, ProgressMessage(buildID, progress, status, stage))
}

// BroadcastComplete sends a completion message to all build subscribers
func (h *Hub) BroadcastComplete(buildID string) {
	h.publish(buildID, model.WSCompleteMessage{
		Type:        model.WSMessageTypeComplete,
		BuildID:     buildID,
		DownloadURL: model.DownloadPath(buildID),
	})
}

// BroadcastError sends an error message to all build subscribers
func (h *Hub) BroadcastError(buildID string, code, message string) {
	h.publish(buildID, model.WSErrorMessage{
		Type:    model.WSMessageTypeError,
		BuildID: buildID,
		Error: model.WSError{
			Code:    code,
			Message: message,
		},
	})
}

// ProgressMessage builds the progress message for a build
func ProgressMessage(buildID string, progress int, status model.BuildStatus, stage string) model.WSProgressMessage {
	return model.WSProgressMessage{
		Type:     model.WSMessageTypeProgress,
		BuildID:  buildID,
		Progress: progress,
		Status:   status,
		Stage:    stage,
	}
}

func (h *Hub) RunStarted(buildID string) {
	h.BroadcastProgress(buildID, 0, model.BuildStatusProcessing, "")
}

func (h *Hub) StageFinished(buildID string, res pipeline.StageResult, done, total int) {
	if res.Fatal {
		return
	}
	h.BroadcastProgress(buildID, done*100/total, model.BuildStatusProcessing, string(res.Stage))
}

func (h *Hub) RunFinished(buildID string, out pipeline.Outcome) {
	if out.Status == model.BuildStatusCompleted {
		h.BroadcastComplete(buildID)
		return
	}
	msg, _, _ := strings.Cut(out.Error, "\n")
	h.BroadcastError(buildID, CodeBuildFailed, msg)
}

// HandleConnection serves one subscriber until it disconnects. initial, if
// non-nil, is sent before any broadcast.
func (h *Hub) HandleConnection(c Conn, buildID string, initial []byte) {
	client := &Client{
		BuildID: buildID,
		Conn:    c,
		Send:    make(chan []byte, 256),
	}
	if initial != nil {
		client.Send <- initial
	}

	pongs := make(chan struct{}, 1)

	h.Register(client)
	defer h.Unregister(client)

	// Start writer goroutine; it is the only writer on c
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					_ = c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-pongs:
				pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
				if err := c.WriteMessage(websocket.TextMessage, pong); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket error", "build_id", buildID, "error", err)
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	}
}

// Snapshot is the first message a new subscriber receives: the build's
// current state, so late subscribers still learn how a build ended.
func Snapshot(job *model.BuildJob) []byte {
	var msg any
	switch job.Status {
	case model.BuildStatusCompleted:
		msg = model.WSCompleteMessage{
			Type:        model.WSMessageTypeComplete,
			BuildID:     job.ID,
			DownloadURL: model.DownloadPath(job.ID),
		}
	case model.BuildStatusFailed:
		first, _, _ := strings.Cut(job.Error, "\n")
		msg = model.WSErrorMessage{
			Type:    model.WSMessageTypeError,
			BuildID: job.ID,
			Error:   model.WSError{Code: CodeBuildFailed, Message: first},
		}
	default:
		msg = ProgressMessage(job.ID, 0, job.Status, "")
	}
	data, _ := json.Marshal(msg)
	return data
}
