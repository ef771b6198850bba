// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store holds the latest accepted standup context.
package store

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultAgentName is used when a submission omits agent_name.
const DefaultAgentName = "Molty"

// =============================================================================
// ERRORS
// =============================================================================

// ValidationError rejects a bad context submission. No state changes.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "invalid context: " + e.Message
}

// =============================================================================
// CONTEXT
// =============================================================================

// Context is one accepted markdown payload. Immutable once accepted; the
// next accepted submission replaces it wholesale.
type Context struct {
	Markdown   string
	AgentName  string
	ReceivedAt time.Time
}

// =============================================================================
// STORE
// =============================================================================

// Store keeps the most recently accepted Context. Replacement is atomic: a
// reader sees either the previous Context or the new one, never a mix.
type Store struct {
	mu       sync.RWMutex
	current  *Context
	maxBytes int
}

// New creates a Store that rejects markdown larger than maxBytes.
func New(maxBytes int) *Store {
	return &Store{maxBytes: maxBytes}
}

// Submit validates and stores a new context. On acceptance it returns the
// ReceivedAt of the context it superseded (zero time if none). A failure of
// any later stage (render, restart) does not roll acceptance back; the
// stored context stays the latest intended one.
func (s *Store) Submit(markdown, agentName string) (time.Time, error) {
	if strings.TrimSpace(markdown) == "" {
		return time.Time{}, &ValidationError{Message: "markdown must not be empty"}
	}
	if len(markdown) > s.maxBytes {
		return time.Time{}, &ValidationError{
			Message: fmt.Sprintf("markdown is %d bytes, limit is %d", len(markdown), s.maxBytes),
		}
	}
	if agentName == "" {
		agentName = DefaultAgentName
	}

	next := &Context{
		Markdown:   markdown,
		AgentName:  agentName,
		ReceivedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var prev time.Time
	if s.current != nil {
		prev = s.current.ReceivedAt
	}
	s.current = next
	return prev, nil
}

// Current returns a copy of the latest accepted context, if any.
func (s *Store) Current() (Context, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil {
		return Context{}, false
	}
	return *s.current, true
}
