package bridge

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/capture-tender/pubsub"
	"github.com/onnwee/capture-tender/telemetry"

	"github.com/onnwee/capture-tender/event"
)

// Manager owns the persistent event stream from the bridge. It normalizes
// inbound frames and publishes each event to the global topic and the
// per-broadcast topic. On stream loss it reconnects with a fixed delay up to
// a bounded attempt count, then gives up and leaves restart to the
// surrounding supervisor.
type Manager struct {
	Client         *Client
	Bus            pubsub.Bus
	ReconnectDelay time.Duration
	MaxReconnects  int

	// Heartbeat, when set, is invoked on connect and periodically while the
	// stream is healthy (the kv heartbeat /status reads).
	Heartbeat func(ctx context.Context)
}

func NewManager(client *Client, bus pubsub.Bus, reconnectDelay time.Duration, maxReconnects int) *Manager {
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	if maxReconnects <= 0 {
		maxReconnects = 10
	}
	telemetry.Init()
	return &Manager{Client: client, Bus: bus, ReconnectDelay: reconnectDelay, MaxReconnects: maxReconnects}
}

// Run consumes the bridge stream until ctx is cancelled or reconnect
// attempts are exhausted. With no bridge configured it is inert.
func (m *Manager) Run(ctx context.Context) {
	if !m.Client.Configured() {
		slog.Info("bridge manager inert: BRIDGE_URL not set")
		return
	}
	logger := slog.Default().With(slog.String("component", "bridge"))
	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}
		connected, err := m.streamOnce(ctx, logger)
		if ctx.Err() != nil {
			return
		}
		if connected {
			// The budget bounds retries against an unreachable bridge; a
			// stream that connected and later dropped starts it fresh.
			attempts = 0
		}
		telemetry.BridgeDisconnects.Inc()
		attempts++
		if attempts > m.MaxReconnects {
			// Permanently disconnected: not fatal to the process, restart is
			// the supervisor's call.
			logger.Error("bridge permanently disconnected; giving up",
				slog.Int("attempts", attempts-1), slog.Any("err", err))
			return
		}
		logger.Warn("bridge stream lost; reconnecting",
			slog.Any("err", err), slog.Int("attempt", attempts), slog.Duration("delay", m.ReconnectDelay))
		telemetry.BridgeReconnects.Inc()
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.ReconnectDelay):
		}
	}
}

// streamOnce opens the NDJSON stream and pumps events until it breaks. The
// bool reports whether the stream ever connected. Malformed frames are
// dropped and logged, never fatal to the stream.
func (m *Manager) streamOnce(ctx context.Context, logger *slog.Logger) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.Client.BaseURL+"/events", nil)
	if err != nil {
		return false, err
	}
	m.Client.auth(req)
	resp, err := m.Client.http().Do(req)
	if err != nil {
		return false, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("bridge /events: status %d", resp.StatusCode)
	}
	logger.Info("bridge stream connected")
	m.beat(ctx)
	lastBeat := time.Now()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if time.Since(lastBeat) >= 30*time.Second {
			m.beat(ctx)
			lastBeat = time.Now()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := normalize(line)
		if err != nil {
			telemetry.FramesDropped.Inc()
			logger.Warn("dropping malformed frame", slog.Any("err", err))
			continue
		}
		m.Bus.Publish(ctx, event.GlobalTopic, ev)
		m.Bus.Publish(ctx, event.BroadcastTopic(ev.BroadcastID), ev)
		telemetry.EventsPublished.Inc()
	}
	if err := scanner.Err(); err != nil {
		return true, fmt.Errorf("bridge stream read: %w", err)
	}
	return true, fmt.Errorf("bridge stream closed")
}

func (m *Manager) beat(ctx context.Context) {
	if m.Heartbeat != nil {
		m.Heartbeat(ctx)
	}
}
