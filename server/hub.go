package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jupark12/worksheet-extractor/models"
)

const (
	clientBuffer = 32
	writeTimeout = 5 * time.Second
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans job snapshots out to websocket clients. A client whose buffer is
// full is dropped so a slow reader never stalls the pipeline.
type Hub struct {
	clients    map[*client]struct{}
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	logger     *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewHub creates a hub. Call Start before registering clients.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Start runs the hub loop until ctx is done. All clients are closed on exit.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.run(ctx)
}

func (h *Hub) run(ctx context.Context) {
	defer func() {
		for c := range h.clients {
			close(c.send)
			delete(h.clients, c)
		}
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.logger.Info("websocket client connected", "clients", len(h.clients))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.logger.Info("websocket client disconnected", "clients", len(h.clients))
			}
		case message := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					delete(h.clients, c)
					close(c.send)
					h.logger.Warn("dropping slow websocket client", "clients", len(h.clients))
				}
			}
		}
	}
}

// BroadcastJobUpdate queues a job_update message. It never blocks; when the
// hub is saturated the update is dropped and clients fall back to polling.
func (h *Hub) BroadcastJobUpdate(job models.ExtractionJob) {
	update := jobUpdate{
		Type:      "job_update",
		JobID:     job.ID,
		Status:    job.Status,
		Progress:  job.Progress,
		Timestamp: job.UpdatedAt,
		Job:       job,
	}
	if job.Status == models.StatusFailed && len(job.Errors) > 0 {
		update.Error = job.Errors[len(job.Errors)-1].Message
	}

	data, err := json.Marshal(update)
	if err != nil {
		h.logger.Error("failed to marshal job update", "job_id", job.ID, "error", err)
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("websocket broadcast queue full, dropping update", "job_id", job.ID)
	}
}

type jobUpdate struct {
	Type      string               `json:"type"`
	JobID     string               `json:"job_id"`
	Status    models.JobStatus     `json:"status"`
	Progress  float64              `json:"progress"`
	Timestamp time.Time            `json:"timestamp"`
	Error     string               `json:"error,omitempty"`
	Job       models.ExtractionJob `json:"job"`
}

type initialJobs struct {
	Type string                 `json:"type"`
	Jobs []models.ExtractionJob `json:"jobs"`
}

// serve registers conn, sends the initial job list and pumps messages until
// the connection or the hub goes away.
func (h *Hub) serve(ctx context.Context, conn *websocket.Conn, jobs []models.ExtractionJob) {
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}

	initial, err := json.Marshal(initialJobs{Type: "initial_jobs", Jobs: jobs})
	if err != nil {
		h.logger.Error("failed to marshal initial jobs", "error", err)
		conn.Close()
		return
	}
	c.send <- initial

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	case <-ctx.Done():
		conn.Close()
		return
	}

	go c.writePump(h.logger)

	// The feed is one-way; reads only detect disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (c *client) writePump(logger *slog.Logger) {
	defer c.conn.Close()
	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logger.Debug("websocket write failed", "error", err)
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
