package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// markdown renders archived transcripts. Model output is markdown
// already; GFM keeps tables and strikethrough from Revit tool summaries
// intact.
var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
)

const htmlHeader = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Conversation %s</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 48rem; margin: 2rem auto; padding: 0 1rem; }
h2 { border-bottom: 1px solid #ddd; padding-bottom: 0.25rem; }
.role-tool { color: #666; font-size: 0.9em; }
pre { background: #f4f4f4; padding: 0.75rem; overflow-x: auto; }
</style>
</head>
<body>
`

// ExportMarkdown renders a session's transcript as a markdown
// document.
func (s *Store) ExportMarkdown(ctx context.Context, sessionID string) (string, error) {
	messages, err := s.Messages(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if len(messages) == 0 {
		return "", fmt.Errorf("no archived messages for session %s", sessionID)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Conversation %s\n", sessionID)
	for _, m := range messages {
		fmt.Fprintf(&sb, "\n## %s — %s\n\n", m.Role, m.Timestamp.Format("2006-01-02 15:04:05"))
		sb.WriteString(strings.TrimSpace(m.Content))
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// ExportHTML renders a session's transcript as a standalone HTML page.
func (s *Store) ExportHTML(ctx context.Context, sessionID string) ([]byte, error) {
	md, err := s.ExportMarkdown(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, htmlHeader, sessionID)
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return nil, fmt.Errorf("render transcript: %w", err)
	}
	buf.WriteString("</body>\n</html>\n")
	return buf.Bytes(), nil
}
