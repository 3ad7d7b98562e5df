// Command nodesim is a development worker agent. It enrolls against a
// running control plane, keeps the WebSocket command channel open, sends
// heartbeats, and executes bot commands against the local Docker daemon.
// Without a reachable daemon it falls back to acknowledging commands
// with synthetic results, which is enough to exercise placement,
// recovery and migration end to end.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/wopr/platform/internal/nodes"
)

const (
	heartbeatEvery = 30 * time.Second
	redialBackoff  = 5 * time.Second
	agentVersion   = "nodesim/0.3"
)

type agent struct {
	controlURL string
	bearer     string
	nodeID     string
	dataDir    string
	capacityMB int64

	docker *client.Client // nil in mock mode
}

func main() {
	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	var (
		controlURL = flag.String("control", envOr("CONTROL_URL", "http://localhost:8080"), "control plane base URL")
		bearer     = flag.String("token", os.Getenv("NODE_SECRET"), "enrollment bearer (static secret, node secret, or one-time token)")
		nodeID     = flag.String("node", envOr("NODE_ID", ""), "node id (required with static secret auth)")
		dataDir    = flag.String("data", envOr("NODE_DATA_DIR", "./nodesim-data"), "local bot data directory")
		capacityMB = flag.Int64("capacity", 10240, "advertised capacity in MB")
	)
	flag.Parse()

	if *bearer == "" {
		slog.Error("no enrollment token; set NODE_SECRET or pass -token")
		os.Exit(1)
	}
	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		slog.Error("data dir", "error", err)
		os.Exit(1)
	}

	a := &agent{
		controlURL: strings.TrimSuffix(*controlURL, "/"),
		bearer:     *bearer,
		nodeID:     *nodeID,
		dataDir:    *dataDir,
		capacityMB: *capacityMB,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation()); err == nil {
		if _, err := cli.Ping(ctx); err == nil {
			a.docker = cli
			slog.Info("docker daemon available")
		} else {
			slog.Warn("docker unreachable, running in mock mode", "error", err)
		}
	}

	if err := a.register(ctx); err != nil {
		slog.Error("registration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("enrolled", "node", a.nodeID)

	for ctx.Err() == nil {
		if err := a.runSocket(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("socket closed, redialing", "error", err)
		}
		select {
		case <-ctx.Done():
		case <-time.After(redialBackoff):
			// Re-register on reconnect so a control-plane restart that
			// marked us offline re-admits the node.
			if err := a.register(ctx); err != nil {
				slog.Warn("re-registration failed", "error", err)
			}
		}
	}
}

func (a *agent) register(ctx context.Context) error {
	body, _ := json.Marshal(nodes.RegisterRequest{
		NodeID:       a.nodeID,
		Host:         hostname(),
		CapacityMB:   a.capacityMB,
		UsedMB:       a.usedMB(),
		AgentVersion: agentVersion,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.controlURL+"/internal/nodes/register", strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.bearer)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("register: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	var rr nodes.RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return err
	}
	a.nodeID = rr.NodeID
	if rr.NodeSecret != "" {
		// First enrollment via one-time token: the per-node secret is
		// shown exactly once, switch to it for everything after.
		a.bearer = rr.NodeSecret
		slog.Info("received node secret, persist it to survive restarts")
	}
	return nil
}

func (a *agent) runSocket(ctx context.Context) error {
	wsURL, err := url.Parse(a.controlURL)
	if err != nil {
		return err
	}
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = "/internal/nodes/" + a.nodeID + "/ws"

	hdr := http.Header{"Authorization": {"Bearer " + a.bearer}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), hdr)
	if err != nil {
		return err
	}
	defer conn.Close()
	slog.Info("command channel open", "url", wsURL.String())

	writes := make(chan []byte, 64)
	go func() {
		ticker := time.NewTicker(heartbeatEvery)
		defer ticker.Stop()
		a.sendHeartbeat(writes)
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case frame := <-writes:
				if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					conn.Close()
					return
				}
			case <-ticker.C:
				a.sendHeartbeat(writes)
			}
		}
	}()

	conn.SetPingHandler(func(data string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env nodes.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			slog.Warn("malformed frame", "error", err)
			continue
		}
		go func(env nodes.Envelope) {
			res := a.execute(ctx, &env)
			frame, _ := json.Marshal(struct {
				Type string `json:"type"`
				nodes.CommandResult
			}{Type: "command_result", CommandResult: *res})
			select {
			case writes <- frame:
			case <-ctx.Done():
			}
		}(env)
	}
}

func (a *agent) sendHeartbeat(writes chan []byte) {
	payload, _ := json.Marshal(map[string]interface{}{
		"usedMB":       a.usedMB(),
		"agentVersion": agentVersion,
		"ts":           time.Now().UTC(),
	})
	frame, _ := json.Marshal(nodes.Envelope{Type: "heartbeat", Payload: payload})
	select {
	case writes <- frame:
	default:
	}
}

type cmdPayload struct {
	BotID       string `json:"botId"`
	ImageRef    string `json:"imageRef"`
	ImageDigest string `json:"imageDigest"`
	Path        string `json:"path"`
}

func (a *agent) execute(ctx context.Context, env *nodes.Envelope) *nodes.CommandResult {
	var p cmdPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fail(env.ID, fmt.Errorf("bad payload: %w", err))
		}
	}
	slog.Info("command", "type", env.Type, "bot", p.BotID)

	var (
		data interface{}
		err  error
	)
	switch env.Type {
	case nodes.CmdBotStart:
		err = a.startBot(ctx, p.BotID, p.ImageRef)
	case nodes.CmdBotStop:
		err = a.stopBot(ctx, p.BotID)
	case nodes.CmdBotRestart, nodes.CmdBotReboot:
		err = a.restartBot(ctx, p.BotID)
	case nodes.CmdBotInspect:
		data, err = a.inspectBot(ctx, p.BotID, p.ImageRef)
	case nodes.CmdBotExport, nodes.CmdBackupUpload:
		data, err = a.exportBot(p.BotID)
	case nodes.CmdBotImport, nodes.CmdBackupDownload:
		err = a.importBot(p.BotID, p.Path)
	default:
		err = fmt.Errorf("unknown command %q", env.Type)
	}
	if err != nil {
		return fail(env.ID, err)
	}
	res := &nodes.CommandResult{ID: env.ID, Success: true}
	if data != nil {
		b, _ := json.Marshal(data)
		res.Data = b
	}
	return res
}

func (a *agent) startBot(ctx context.Context, botID, imageRef string) error {
	if err := os.MkdirAll(a.botDir(botID), 0o755); err != nil {
		return err
	}
	if a.docker == nil {
		return nil
	}
	if imageRef != "" {
		rc, err := a.docker.ImagePull(ctx, imageRef, types.ImagePullOptions{})
		if err != nil {
			return err
		}
		io.Copy(io.Discard, rc)
		rc.Close()
	}
	created, err := a.docker.ContainerCreate(ctx, &container.Config{
		Image:  imageRef,
		Labels: map[string]string{"wopr.bot": botID},
	}, nil, nil, nil, containerName(botID))
	if err != nil {
		return err
	}
	return a.docker.ContainerStart(ctx, created.ID, types.ContainerStartOptions{})
}

func (a *agent) stopBot(ctx context.Context, botID string) error {
	if a.docker == nil {
		return nil
	}
	name := containerName(botID)
	if err := a.docker.ContainerStop(ctx, name, container.StopOptions{}); err != nil {
		return err
	}
	return a.docker.ContainerRemove(ctx, name, types.ContainerRemoveOptions{Force: true})
}

func (a *agent) restartBot(ctx context.Context, botID string) error {
	if a.docker == nil {
		return nil
	}
	return a.docker.ContainerRestart(ctx, containerName(botID), container.StopOptions{})
}

func (a *agent) inspectBot(ctx context.Context, botID, imageRef string) (interface{}, error) {
	if a.docker == nil || imageRef == "" {
		return map[string]string{"imageDigest": ""}, nil
	}
	img, _, err := a.docker.ImageInspectWithRaw(ctx, imageRef)
	if err != nil {
		return nil, err
	}
	digest := ""
	for _, rd := range img.RepoDigests {
		if _, d, ok := strings.Cut(rd, "@"); ok {
			digest = d
			break
		}
	}
	return map[string]string{"imageDigest": digest, "botId": botID}, nil
}

// exportBot packs the bot's data dir. The control plane only cares
// about the reported location and size; moving the tarball between
// nodes is out of band.
func (a *agent) exportBot(botID string) (interface{}, error) {
	dir := a.botDir(botID)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("no data for bot %s", botID)
	}
	return map[string]interface{}{
		"path":   dir,
		"sizeMB": dirSizeMB(dir),
	}, nil
}

func (a *agent) importBot(botID, path string) error {
	if err := os.MkdirAll(a.botDir(botID), 0o755); err != nil {
		return err
	}
	if path != "" {
		slog.Info("import source", "bot", botID, "path", path)
	}
	return nil
}

func (a *agent) botDir(botID string) string {
	return filepath.Join(a.dataDir, "bots", botID)
}

func (a *agent) usedMB() int64 {
	return dirSizeMB(a.dataDir)
}

func containerName(botID string) string { return "bot-" + botID }

func fail(id string, err error) *nodes.CommandResult {
	return &nodes.CommandResult{ID: id, Success: false, Error: err.Error()}
}

func dirSizeMB(dir string) int64 {
	var bytes int64
	filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			bytes += info.Size()
		}
		return nil
	})
	return bytes / (1024 * 1024)
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "nodesim"
	}
	return h
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
