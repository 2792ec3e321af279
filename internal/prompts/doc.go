// Package prompts contains the LLM prompt text used by the
// orchestrator.
//
// Prompt text is Go code rather than config files because it is program
// logic: it uses fmt.Sprintf interpolation, benefits from compile-time
// embedding, and can be validated by tests. User-facing overrides (the
// system prompt) live in config.yaml; this package holds the defaults
// and the internal fragments (retrieval context blocks, tool error
// results) that are not user-configurable.
package prompts
