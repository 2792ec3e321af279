// Package mqtt publishes operational telemetry to an MQTT broker: a
// retained availability topic plus a periodic JSON state payload
// (uptime, version, active sessions, daily tokens, last request).
//
// Connection management is Eclipse Paho v2's autopaho, which
// reconnects on its own. A will message flips the availability topic
// to "offline" when the connection drops unexpectedly; every
// (re-)connect publishes "online" again.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/atriumhq/atrium/internal/config"
)

// StatsSource provides the runtime numbers for the state payload. The
// concrete adapter lives in main.go so this package stays decoupled
// from the API server and the orchestrator.
type StatsSource interface {
	Uptime() time.Duration
	Version() string
	DefaultModel() string
	ActiveSessions() int
	// LastRequestTime is when the most recent turn completed; the zero
	// time means no turn has run yet.
	LastRequestTime() time.Time
}

// statePayload is the JSON document published to the state topic.
type statePayload struct {
	InstanceID     string `json:"instance_id"`
	Uptime         string `json:"uptime"`
	Version        string `json:"version"`
	DefaultModel   string `json:"default_model"`
	ActiveSessions int    `json:"active_sessions"`
	TokensToday    int64  `json:"tokens_today"`
	RequestsToday  int64  `json:"requests_today"`
	LastRequest    string `json:"last_request"`
}

// Publisher owns the broker connection and the periodic state loop.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	tokens     *DailyTokens
	stats      StatsSource
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher without connecting; Start opens the
// connection and runs the publish loop.
func New(cfg config.MQTTConfig, instanceID string, tokens *DailyTokens, stats StatsSource, logger *slog.Logger) *Publisher {
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		tokens:     tokens,
		stats:      stats,
		logger:     logger,
	}
}

// topic builds "<prefix>/<instance_name>" plus an optional leaf.
func (p *Publisher) topic(leaf string) string {
	base := p.cfg.TopicPrefix + "/" + p.cfg.InstanceName
	if leaf == "" {
		return base
	}
	return base + "/" + leaf
}

// connectionConfig assembles the autopaho client config, including the
// offline will and the on-connect birth publish.
func (p *Publisher) connectionConfig(ctx context.Context, brokerURL *url.URL) autopaho.ClientConfig {
	cfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.topic("availability"),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "atrium-" + p.cfg.InstanceName,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		cfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return cfg
}

// Start connects to the broker and blocks in the periodic publish loop
// until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	cm, err := autopaho.NewConnection(ctx, p.connectionConfig(ctx, brokerURL))
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	// A slow broker must not stall startup: log and let autopaho keep
	// retrying behind the loop.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishState(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.publishState(ctx)
		}
	}
}

// Stop announces "offline" and disconnects. ctx bounds how long the
// final publish and disconnect may take.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. Health probes use it.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	_, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.topic("availability"),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	})
	if err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

// buildState snapshots the stats and token counters into the payload.
func (p *Publisher) buildState() statePayload {
	input, output, requests := p.tokens.Snapshot()
	state := statePayload{
		InstanceID:     p.instanceID,
		Uptime:         p.stats.Uptime().Truncate(time.Second).String(),
		Version:        p.stats.Version(),
		DefaultModel:   p.stats.DefaultModel(),
		ActiveSessions: p.stats.ActiveSessions(),
		TokensToday:    input + output,
		RequestsToday:  requests,
		LastRequest:    "never",
	}
	if last := p.stats.LastRequestTime(); !last.IsZero() {
		state.LastRequest = last.Format(time.RFC3339)
	}
	return state
}

func (p *Publisher) publishState(ctx context.Context) {
	if p.cm == nil {
		return
	}

	payload, err := json.Marshal(p.buildState())
	if err != nil {
		p.logger.Error("mqtt marshal state payload", "error", err)
		return
	}

	_, err = p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.topic("state"),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	})
	if err != nil {
		p.logger.Debug("mqtt state publish failed", "error", err)
		return
	}
	p.logger.Debug("mqtt state published", "topic", p.topic("state"))
}
