package engine

import "time"

// Context carries the actor, an optional comment, and open metadata for
// one transition attempt. Treat it as immutable once constructed.
type Context struct {
	Actor     Actor
	Comment   string
	Metadata  map[string]string
	CreatedAt time.Time
}

// NewContext builds a Context stamped with the current time.
func NewContext(actor Actor, comment string) Context {
	return Context{Actor: actor, Comment: comment, CreatedAt: time.Now()}
}

// WithMetadata returns a copy carrying an extra metadata entry.
func (c Context) WithMetadata(key, value string) Context {
	meta := make(map[string]string, len(c.Metadata)+1)
	for k, v := range c.Metadata {
		meta[k] = v
	}
	meta[key] = value
	c.Metadata = meta
	return c
}

// ValidationResult is the business-rule verdict: blocking errors and
// advisory warnings. Success always equals len(Errors)==0; build results
// through Pass/Fail to keep the invariant.
type ValidationResult struct {
	Success  bool     `json:"success"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func Pass(warnings ...string) ValidationResult {
	return ValidationResult{Success: true, Warnings: warnings}
}

func Fail(errors ...string) ValidationResult {
	return ValidationResult{Success: false, Errors: errors}
}

// normalize re-derives Success from Errors so a hand-built result cannot
// break the invariant.
func (v ValidationResult) normalize() ValidationResult {
	v.Success = len(v.Errors) == 0
	return v
}

// Result is the outcome of one Transition call. On a business-rule
// violation Errors carries the individual rule messages; ErrorMessage is
// their joined form for log lines and audit comments.
type Result struct {
	Success       bool     `json:"success"`
	From          State    `json:"from_state"`
	To            State    `json:"to_state"`
	Errors        []string `json:"errors,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
	ErrorMessage  string   `json:"error_message,omitempty"`
	CorrelationID string   `json:"correlation_id"`
}
