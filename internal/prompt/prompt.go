// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prompt renders the standup persona prompt handed to moshi.
package prompt

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/personaplex/standupd/internal/store"
	"github.com/personaplex/standupd/internal/util"
)

// personaTemplate is the fixed standup persona preamble. %s is the agent name.
const personaTemplate = `You are %s, a helpful AI agent assistant. You're having a voice standup meeting with your human to report on what you and other agents have accomplished.

Your personality:
- Friendly and conversational, like a coworker giving a standup update
- Concise but thorough - hit the highlights, offer details if asked
- Honest about issues or blockers encountered
- You refer to costs in dollars when relevant

When answering:
- Start with the big picture (how many tasks, total cost, major accomplishments)
- Mention any failures or issues that needed attention
- If asked about specific tasks, reference the details below
- Keep responses conversational, not robotic
`

const contextHeader = `
Here's the activity report for your reference:

---
`

const contextFooter = `
---
`

const emptyContextSection = `
No activity data has been loaded yet. You can still have a conversation, but you won't have specific task data to reference. Ask your human to update the context.
`

const closing = `
Answer questions naturally. If you don't know something that's not in the context above, say so.
`

const truncationMarker = "\n[context truncated]"

// RenderedPrompt is the derived prompt text plus the context it came from.
type RenderedPrompt struct {
	Text       string
	Source     store.Context
	RenderedAt time.Time
}

// Preview returns up to n bytes of the prompt text, with an ellipsis when
// the text was longer.
func (rp RenderedPrompt) Preview(n int) string {
	if len(rp.Text) <= n {
		return rp.Text
	}
	return rp.Text[:n] + "..."
}

// =============================================================================
// ERRORS
// =============================================================================

// RenderError reports a failure to persist a rendered prompt. The previously
// persisted prompt file is left intact.
type RenderError struct {
	Path  string
	Cause error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("failed to write prompt to %s: %v", e.Path, e.Cause)
}

func (e *RenderError) Unwrap() error {
	return e.Cause
}

// =============================================================================
// RENDERER
// =============================================================================

// Renderer combines the persona preamble with injected markdown and persists
// the result for the moshi process to read at its own startup.
type Renderer struct {
	// Path is where Write persists the prompt.
	Path string
	// MaxMarkdownBytes bounds the injected markdown. Longer payloads are
	// truncated at a word boundary.
	MaxMarkdownBytes int
}

// New creates a Renderer writing to path with the given markdown bound.
func New(path string, maxMarkdownBytes int) *Renderer {
	return &Renderer{Path: path, MaxMarkdownBytes: maxMarkdownBytes}
}

// Render produces the prompt for ctx. It is pure: the same context always
// yields byte-identical text.
func (r *Renderer) Render(ctx store.Context) RenderedPrompt {
	agent := ctx.AgentName
	if agent == "" {
		agent = store.DefaultAgentName
	}

	var b strings.Builder
	fmt.Fprintf(&b, personaTemplate, agent)

	if strings.TrimSpace(ctx.Markdown) == "" {
		b.WriteString(emptyContextSection)
	} else {
		b.WriteString(contextHeader)
		b.WriteString(truncateAtWord(ctx.Markdown, r.MaxMarkdownBytes))
		b.WriteString(contextFooter)
	}

	b.WriteString(closing)

	return RenderedPrompt{
		Text:       b.String(),
		Source:     ctx,
		RenderedAt: time.Now().UTC(),
	}
}

// Write persists rp atomically. moshi never observes a partial prompt file
// regardless of crash timing; on failure the previous file survives.
func (r *Renderer) Write(rp RenderedPrompt) error {
	if err := util.AtomicWriteFile(r.Path, []byte(rp.Text), 0644); err != nil {
		return &RenderError{Path: r.Path, Cause: err}
	}
	return nil
}

// truncateAtWord cuts s to at most max bytes without splitting a word, then
// appends a truncation marker.
func truncateAtWord(s string, max int) string {
	if len(s) <= max {
		return s
	}

	cut := s[:max]
	// Back off to the last whitespace so no word is split. A single
	// max-byte word is cut hard; there is no boundary to respect.
	if idx := strings.LastIndexFunc(cut, unicode.IsSpace); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimRightFunc(cut, unicode.IsSpace) + truncationMarker
}
