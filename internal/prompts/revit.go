package prompts

import (
	"fmt"
	"strings"

	"github.com/atriumhq/atrium/internal/retrieval"
)

// DefaultSystem is the system prompt used when configuration does not
// supply one.
const DefaultSystem = `You are Atrium, an assistant for Autodesk Revit users. You answer
questions about the open Revit model and, when a Revit MCP connection is
available, you can inspect and modify the model through tools. Prefer
tools over guessing: if the user asks about elements, levels, views, or
parameters, call the matching tool. Be concise.`

// retrievalHeader introduces retrieved documentation chunks appended to
// the system context.
const retrievalHeader = `

Relevant documentation for this request (retrieved automatically; cite
it when it answers the question):`

// RetrievalBlock formats retrieved chunks for inclusion in the system
// context. Returns "" for an empty set so callers can append
// unconditionally.
func RetrievalBlock(chunks []retrieval.Chunk) string {
	if len(chunks) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(retrievalHeader)
	for i, c := range chunks {
		sb.WriteString(fmt.Sprintf("\n\n[%d] %s", i+1, strings.TrimSpace(c.Text)))
		if c.Source != "" {
			sb.WriteString(fmt.Sprintf("\n(source: %s)", c.Source))
		}
	}
	return sb.String()
}

// ToolErrorResult formats a failed tool invocation as the tool-role
// message content handed back to the model. The model sees the failure
// as data and can adjust or explain rather than the turn dying.
func ToolErrorResult(kind, detail string) string {
	return fmt.Sprintf("Error (%s): %s", kind, detail)
}

// NoBindingResult is handed to the model when it requests a tool but
// the session has no MCP endpoint bound.
const NoBindingResult = "Error: no Revit MCP endpoint is connected for this session. Ask the user to connect one."

// DepthExceededNote is the error message emitted when a turn exceeds
// the tool-call depth bound.
const DepthExceededNote = "tool-call depth limit reached; stopping this turn"
