package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/kballard/go-shellquote"
)

// Environment variables recognized by ApplyEnv. These mirror the
// deployment contract of the Revit MCP integration: operators configure
// the default endpoint without touching the YAML file.
const (
	EnvMCPEnabled   = "REVIT_MCP_ENABLED"
	EnvMCPURL       = "REVIT_MCP_URL"
	EnvMCPTransport = "REVIT_MCP_TRANSPORT"
	EnvMCPMain      = "REVIT_MCP_MAIN"
	EnvMCPCommand   = "REVIT_MCP_COMMAND"
	EnvMCPArgs      = "REVIT_MCP_ARGS"
)

// ApplyEnv overlays REVIT_MCP_* environment variables onto cfg. It is
// called once after Load; in particular REVIT_MCP_ARGS is split with
// shell-quoting rules here and never re-parsed per call.
func ApplyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv(EnvMCPEnabled); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse %s=%q: %w", EnvMCPEnabled, v, err)
		}
		cfg.MCP.Enabled = enabled
	}

	if v := os.Getenv(EnvMCPURL); v != "" {
		cfg.MCP.URL = v
	}
	if v := os.Getenv(EnvMCPTransport); v != "" {
		cfg.MCP.Transport = v
	}
	if v := os.Getenv(EnvMCPMain); v != "" {
		cfg.MCP.Main = v
	}
	if v := os.Getenv(EnvMCPCommand); v != "" {
		cfg.MCP.Command = v
	}
	if v := os.Getenv(EnvMCPArgs); v != "" {
		args, err := shellquote.Split(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvMCPArgs, err)
		}
		cfg.MCP.Args = args
	}

	return nil
}
