package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/atriumhq/atrium/internal/defaults"
)

// runInit initializes an Atrium working directory with default files.
// It creates the data directory and writes a commented example config.
// Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Atrium workspace in %s\n", dir)

	dataPath := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataPath, err)
	}

	// Write config example if no config exists.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, defaults.ConfigYAML); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to set your model provider and Revit MCP endpoint,")
	fmt.Fprintln(w, "then start the server with: atrium serve")
	return nil
}

// writeIfMissing writes content to path only if the file does not already
// exist. This ensures init never overwrites user customizations.
func writeIfMissing(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil // already exists, skip
	}
	return os.WriteFile(path, content, 0o644)
}
