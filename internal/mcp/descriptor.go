package mcp

import (
	"fmt"
	"net/url"
	"strings"
)

// TransportKind names one of the supported MCP transports. The wire
// values match what the Revit add-in ecosystem puts in configuration
// files and headers.
type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportStreamableHTTP TransportKind = "streamable_http"
	TransportSSE            TransportKind = "sse"
)

// NormalizeTransport canonicalizes a user-supplied transport name:
// whitespace trimmed, lowercased, hyphens and inner spaces folded to
// underscores. "http" is accepted as an alias for streamable_http.
// The result is not guaranteed to name a known transport; use
// ParseTransportKind to validate.
func NormalizeTransport(value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	v = strings.ReplaceAll(v, "-", "_")
	v = strings.ReplaceAll(v, " ", "_")
	if v == "http" {
		return string(TransportStreamableHTTP)
	}
	return v
}

// ParseTransportKind normalizes and validates a transport name.
func ParseTransportKind(value string) (TransportKind, error) {
	switch norm := NormalizeTransport(value); norm {
	case string(TransportStdio):
		return TransportStdio, nil
	case string(TransportStreamableHTTP):
		return TransportStreamableHTTP, nil
	case string(TransportSSE):
		return TransportSSE, nil
	case "":
		return "", fmt.Errorf("empty transport")
	default:
		return "", fmt.Errorf("unknown transport %q", value)
	}
}

// Descriptor describes how to reach one MCP server. URL and Headers
// apply to the network transports, Command/Args/Env to stdio. A
// Descriptor is immutable once built; rebinding a session means
// building a new one.
type Descriptor struct {
	Kind    TransportKind
	URL     string
	Headers map[string]string
	Command string
	Args    []string
	Env     []string
}

// Endpoint returns a human-readable address for logs and error
// messages: the URL for network transports, the command line for stdio.
func (d Descriptor) Endpoint() string {
	if d.Kind == TransportStdio {
		if len(d.Args) == 0 {
			return d.Command
		}
		return d.Command + " " + strings.Join(d.Args, " ")
	}
	return d.URL
}

// Validate checks that the descriptor is internally consistent.
func (d Descriptor) Validate() error {
	switch d.Kind {
	case TransportStdio:
		if d.Command == "" {
			return fmt.Errorf("stdio transport requires a command")
		}
		if d.URL != "" {
			return fmt.Errorf("stdio transport takes a command, not a URL")
		}
	case TransportStreamableHTTP, TransportSSE:
		if d.URL == "" {
			return fmt.Errorf("%s transport requires a URL", d.Kind)
		}
		u, err := url.Parse(d.URL)
		if err != nil {
			return fmt.Errorf("invalid server URL %q: %w", d.URL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("server URL %q must be http or https", d.URL)
		}
		if u.Host == "" {
			return fmt.Errorf("server URL %q has no host", d.URL)
		}
	case "":
		return fmt.Errorf("transport kind not set")
	default:
		return fmt.Errorf("unknown transport %q", d.Kind)
	}
	return nil
}

// Settings carries the raw connection knobs as they arrive from the
// environment or a config file, before precedence rules are applied.
type Settings struct {
	URL       string
	Transport string
	Main      string
	Command   string
	Args      []string
}

// defaultStdioArgs builds the launcher invocation for a Python tool
// server given the path to its entry module.
func defaultStdioArgs(main string) []string {
	return []string{"run", "--with", "mcp[cli]", "mcp", "run", main}
}

// DescriptorFromSettings resolves Settings into a concrete Descriptor.
// A URL wins over everything and selects a network transport
// (streamable_http unless Transport says otherwise). Without a URL the
// server is launched as a stdio child: explicit Args are used verbatim,
// otherwise Main names a Python entry module run through uv. Settings
// that pin down neither a URL nor a stdio invocation are an error.
func DescriptorFromSettings(s Settings) (Descriptor, error) {
	if s.URL != "" {
		kind := TransportStreamableHTTP
		if s.Transport != "" {
			parsed, err := ParseTransportKind(s.Transport)
			if err != nil {
				return Descriptor{}, err
			}
			kind = parsed
		}
		if kind == TransportStdio {
			return Descriptor{}, fmt.Errorf("stdio transport takes a command, not a URL")
		}
		d := Descriptor{Kind: kind, URL: s.URL}
		if err := d.Validate(); err != nil {
			return Descriptor{}, err
		}
		return d, nil
	}

	command := s.Command
	if command == "" {
		command = "uv"
	}
	var args []string
	switch {
	case len(s.Args) > 0:
		args = s.Args
	case s.Main != "":
		args = defaultStdioArgs(s.Main)
	default:
		return Descriptor{}, fmt.Errorf("no MCP server configured: set a URL, explicit args, or an entry module")
	}
	d := Descriptor{Kind: TransportStdio, Command: command, Args: args}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}
