package nodes

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wopr/platform/internal/metrics"
	"github.com/wopr/platform/internal/platform"
	"github.com/wopr/platform/internal/store"
)

// Command bus message types, control plane -> node.
const (
	CmdBotStart       = "bot.start"
	CmdBotStop        = "bot.stop"
	CmdBotRestart     = "bot.restart"
	CmdBotExport      = "bot.export"
	CmdBotImport      = "bot.import"
	CmdBotInspect     = "bot.inspect"
	CmdBotReboot      = "bot.reboot"
	CmdBackupUpload   = "backup.upload"
	CmdBackupDownload = "backup.download"
)

// Per-command deadlines. Export/import/upload/download move tarballs
// and get the long budget.
const (
	ControlTimeout = 30 * time.Second
	LongOpTimeout  = 5 * time.Minute
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	maxMsgSize = 512 * 1024
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Node agents are not browsers; origin checks do not apply.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Envelope is the JSON frame on the command bus.
type Envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CommandResult is a node's reply to one command, correlated by id.
type CommandResult struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type heartbeatPayload struct {
	UsedMB       int64     `json:"usedMB"`
	AgentVersion string    `json:"agentVersion"`
	TS           time.Time `json:"ts"`
}

// Transport holds one persistent WebSocket per node. All writes to a
// connection go through its writePump; command completion waiters are
// indexed by command id.
type Transport struct {
	nodes store.NodeRepo
	met   *metrics.Metrics

	mu    sync.RWMutex
	conns map[string]*nodeConn

	// onHeartbeat lets the monitor flip degraded nodes back to active
	// as soon as a heartbeat arrives.
	onHeartbeat func(ctx context.Context, nodeID string)
}

func NewTransport(nodes store.NodeRepo, met *metrics.Metrics) *Transport {
	return &Transport{
		nodes: nodes,
		met:   met,
		conns: map[string]*nodeConn{},
	}
}

// OnHeartbeat registers the heartbeat callback. Call before serving.
func (t *Transport) OnHeartbeat(fn func(ctx context.Context, nodeID string)) {
	t.onHeartbeat = fn
}

type nodeConn struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	pending map[string]chan *CommandResult
}

// HandleWS upgrades the request and runs the node's pumps until the
// socket closes. A reconnect replaces any previous connection.
func (t *Transport) HandleWS(w http.ResponseWriter, r *http.Request, nodeID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("node ws upgrade failed", "node", nodeID, "error", err)
		return
	}

	nc := &nodeConn{
		id:      nodeID,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		pending: map[string]chan *CommandResult{},
	}

	t.mu.Lock()
	if prev := t.conns[nodeID]; prev != nil {
		prev.close()
	}
	t.conns[nodeID] = nc
	t.mu.Unlock()

	slog.Info("node connected", "node", nodeID)
	go t.writePump(nc)
	t.readPump(nc)
}

// Connected reports whether the node currently has a live socket.
func (t *Transport) Connected(nodeID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conns[nodeID] != nil
}

// Send issues one command and waits for the correlated result. Timeout
// resolves the waiter with CommandTimeout; a socket close resolves every
// waiter on that node with NodeDisconnected. Late results are discarded.
func (t *Transport) Send(ctx context.Context, nodeID, cmdType string, payload interface{}, timeout time.Duration) (*CommandResult, error) {
	t.mu.RLock()
	nc := t.conns[nodeID]
	t.mu.RUnlock()
	if nc == nil {
		return nil, platform.Ef(platform.KindNodeUnreachable, "node %s has no active connection", nodeID)
	}

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	env := Envelope{ID: newCommandID(), Type: cmdType, Payload: raw}
	frame, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	ch := make(chan *CommandResult, 1)
	nc.mu.Lock()
	nc.pending[env.ID] = ch
	nc.mu.Unlock()
	defer func() {
		nc.mu.Lock()
		delete(nc.pending, env.ID)
		nc.mu.Unlock()
	}()

	select {
	case nc.send <- frame:
	case <-nc.done:
		return nil, t.failSend(cmdType, platform.Ef(platform.KindNodeDisconnected, "node %s disconnected", nodeID))
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if t.met != nil {
			outcome := "ok"
			if !res.Success {
				outcome = "failed"
			}
			t.met.CommandsSent.WithLabelValues(cmdType, outcome).Inc()
		}
		return res, nil
	case <-timer.C:
		return nil, t.failSend(cmdType, platform.Ef(platform.KindCommandTimeout, "command %s to %s timed out after %s", cmdType, nodeID, timeout))
	case <-nc.done:
		return nil, t.failSend(cmdType, platform.Ef(platform.KindNodeDisconnected, "node %s disconnected", nodeID))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) failSend(cmdType string, err error) error {
	if t.met != nil {
		t.met.CommandsSent.WithLabelValues(cmdType, platform.KindOf(err).String()).Inc()
	}
	return err
}

func (t *Transport) writePump(nc *nodeConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		nc.close()
	}()
	for {
		select {
		case frame := <-nc.send:
			nc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := nc.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Warn("node write failed", "node", nc.id, "error", err)
				return
			}
		case <-ticker.C:
			nc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := nc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-nc.done:
			return
		}
	}
}

func (t *Transport) readPump(nc *nodeConn) {
	defer func() {
		nc.close()
		t.mu.Lock()
		if t.conns[nc.id] == nc {
			delete(t.conns, nc.id)
		}
		t.mu.Unlock()
		slog.Info("node disconnected", "node", nc.id)
	}()

	nc.conn.SetReadLimit(maxMsgSize)
	nc.conn.SetReadDeadline(time.Now().Add(pongWait))
	nc.conn.SetPongHandler(func(string) error {
		nc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := nc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("node ws error", "node", nc.id, "error", err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			slog.Warn("malformed node frame", "node", nc.id, "error", err)
			continue
		}
		switch env.Type {
		case "command_result":
			var res CommandResult
			if err := json.Unmarshal(payload, &res); err != nil {
				continue
			}
			nc.mu.Lock()
			ch := nc.pending[res.ID]
			nc.mu.Unlock()
			if ch == nil {
				// Late response after timeout: drop it.
				slog.Debug("discarding late command result", "node", nc.id, "id", res.ID)
				continue
			}
			select {
			case ch <- &res:
			default:
			}
		case "heartbeat":
			var hb heartbeatPayload
			if err := json.Unmarshal(env.Payload, &hb); err != nil {
				continue
			}
			ctx := context.Background()
			if err := t.nodes.Heartbeat(ctx, nc.id, hb.UsedMB, hb.AgentVersion); err != nil {
				slog.Warn("heartbeat persist failed", "node", nc.id, "error", err)
				continue
			}
			if t.onHeartbeat != nil {
				t.onHeartbeat(ctx, nc.id)
			}
		case "event":
			slog.Debug("node event", "node", nc.id, "payload", string(env.Payload))
		default:
			slog.Warn("unknown node frame type", "node", nc.id, "type", env.Type)
		}
	}
}

// close shuts the connection down exactly once. Waiters observe the
// done channel and fail with NodeDisconnected.
func (nc *nodeConn) close() {
	nc.once.Do(func() {
		close(nc.done)
		nc.conn.Close()
	})
}

func newCommandID() string { return uuid.NewString() }
