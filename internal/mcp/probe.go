package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atriumhq/atrium/internal/buildinfo"
)

// ProbeStatus is the tri-state outcome of a health probe. A reachable
// endpoint speaking the wrong protocol is a distinct, diagnosable
// failure, so probes never collapse to a boolean.
type ProbeStatus string

const (
	StatusHealthy          ProbeStatus = "healthy"
	StatusUnreachable      ProbeStatus = "unreachable"
	StatusProtocolMismatch ProbeStatus = "protocol-mismatch"
)

// ProbeResult describes what a probe found.
type ProbeResult struct {
	Status        ProbeStatus   `json:"status"`
	Detail        string        `json:"detail,omitempty"`
	Latency       time.Duration `json:"-"`
	LatencyMS     int64         `json:"latency_ms"`
	ServerName    string        `json:"server_name,omitempty"`
	ServerVersion string        `json:"server_version,omitempty"`
}

// Probe checks whether the described endpoint is reachable and speaks a
// supported MCP protocol version, without installing any state. It
// sends a bare initialize request and classifies the outcome; the
// caller bounds the whole exchange with ctx. The follow-up initialized
// notification is deliberately skipped: probes stay one round trip.
func Probe(ctx context.Context, d Descriptor, logger *slog.Logger) ProbeResult {
	if logger == nil {
		logger = slog.Default()
	}

	start := time.Now()
	result := func(status ProbeStatus, detail string) ProbeResult {
		lat := time.Since(start)
		return ProbeResult{Status: status, Detail: detail, Latency: lat, LatencyMS: lat.Milliseconds()}
	}

	if err := d.Validate(); err != nil {
		return result(StatusProtocolMismatch, err.Error())
	}

	transport, err := NewTransport(d, logger)
	if err != nil {
		return result(StatusProtocolMismatch, err.Error())
	}
	defer transport.Close()

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "atrium-probe",
			"version": buildinfo.Version,
		},
	}

	resp, err := transport.Send(ctx, NewRequest(1, "initialize", params))
	if err != nil {
		return classifyProbeError(result, err)
	}
	if resp.Error != nil {
		return result(StatusProtocolMismatch, fmt.Sprintf("initialize rejected: %s", resp.Error.Message))
	}

	var init initializeResult
	if err := json.Unmarshal(resp.Result, &init); err != nil {
		return result(StatusProtocolMismatch, "malformed initialize result")
	}
	if !supportedProtocolVersions[init.ProtocolVersion] {
		return result(StatusProtocolMismatch, fmt.Sprintf("unsupported protocol version %q", init.ProtocolVersion))
	}

	r := result(StatusHealthy, "")
	r.ServerName = init.ServerInfo.Name
	r.ServerVersion = init.ServerInfo.Version

	logger.Debug("probe healthy",
		"endpoint", d.Endpoint(),
		"server_name", r.ServerName,
		"latency_ms", r.LatencyMS,
	)
	return r
}

// classifyProbeError maps a transport failure onto the tri-state.
// Timeouts and connection failures both mean unreachable; only a server
// that answered wrongly counts as a protocol mismatch.
func classifyProbeError(result func(ProbeStatus, string) ProbeResult, err error) ProbeResult {
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return result(StatusProtocolMismatch, protoErr.Detail)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return result(StatusUnreachable, "probe timed out")
	}
	var connErr *ConnectError
	if errors.As(err, &connErr) {
		return result(StatusUnreachable, connErr.Err.Error())
	}
	return result(StatusUnreachable, err.Error())
}
