package models

import "errors"

// ErrNotFound is returned by store lookups that find nothing.
var ErrNotFound = errors.New("not found")

// ParseResult is the outcome of feeding one log line through the Drain
// template miner.
type ParseResult struct {
	TemplateID string            `json:"template_id"`
	Template   string            `json:"template"`
	Tokens     []string          `json:"tokens"`
	Variables  map[string]string `json:"variables"`
	IsNew      bool              `json:"is_new"`
}

// ParsedLog is a per-build artifact shape: every log line's parse result
// plus the resulting template-frequency distribution. The parser worker
// does not write this type; it persists docstore.ParsedArtifact.
type ParsedLog struct {
	BuildID    string       `json:"build_id"`
	Lines      []ParseResult `json:"lines"`
	Templates  map[string]int64 `json:"templates"`
	ParsedAt   string       `json:"parsed_at"`
}
