// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// client.go - HTTP client commands against a running standupd daemon.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
)

// Client talks to the standupd control API.
type Client struct {
	base string
	http *http.Client
	json bool
}

// NewClient creates a Client for the given base URL.
func NewClient(args Args) *Client {
	return &Client{
		base: args.APIBase,
		json: args.JSON,
		// Restart waits for a full model reload.
		http: &http.Client{Timeout: 5 * time.Minute},
	}
}

// statusPayload mirrors the daemon's GET /health response.
type statusPayload struct {
	Status       string `json:"status"`
	MoshiRunning bool   `json:"moshi_running"`
	ProcessState string `json:"process_state"`
	PortOpen     bool   `json:"port_open"`
	UptimeSecs   *int64 `json:"uptime_seconds"`
	LastExitCode *int   `json:"last_exit_code"`
}

// contextPayload mirrors the daemon's GET /context response.
type contextPayload struct {
	Markdown              string    `json:"markdown"`
	AgentName             string    `json:"agent_name"`
	ReceivedAt            time.Time `json:"received_at"`
	RenderedPromptPreview string    `json:"rendered_prompt_preview"`
}

// HandleStatus implements `standupd status`.
func (c *Client) HandleStatus() error {
	body, err := c.get("/health")
	if err != nil {
		return err
	}
	if c.json {
		fmt.Println(string(body))
		return nil
	}

	var st statusPayload
	if err := json.Unmarshal(body, &st); err != nil {
		return fmt.Errorf("unexpected response from daemon: %w", err)
	}

	fmt.Println(TitleStyle.Render("standupd status"))
	fmt.Println(LabelStyle.Render("Health") + statusStyle(st.Status).Render(strings.ToUpper(st.Status)))
	fmt.Println(LabelStyle.Render("Process") + ValueStyle.Render(st.ProcessState))
	fmt.Println(LabelStyle.Render("Model port") + ValueStyle.Render(boolWord(st.PortOpen, "open", "closed")))
	if st.UptimeSecs != nil {
		fmt.Println(LabelStyle.Render("Uptime") + ValueStyle.Render((time.Duration(*st.UptimeSecs) * time.Second).String()))
	}
	if st.LastExitCode != nil {
		fmt.Println(LabelStyle.Render("Last exit") + ErrorStyle.Render(fmt.Sprintf("%d", *st.LastExitCode)))
	}
	return nil
}

// HandleContext implements `standupd context`.
func (c *Client) HandleContext() error {
	body, err := c.get("/context")
	if err != nil {
		return err
	}
	if c.json {
		fmt.Println(string(body))
		return nil
	}

	var ctx contextPayload
	if err := json.Unmarshal(body, &ctx); err != nil {
		return fmt.Errorf("unexpected response from daemon: %w", err)
	}

	fmt.Println(TitleStyle.Render("Active context"))
	fmt.Println(LabelStyle.Render("Agent") + ValueStyle.Render(ctx.AgentName))
	fmt.Println(LabelStyle.Render("Received") + ValueStyle.Render(ctx.ReceivedAt.Local().Format(time.RFC1123)))
	fmt.Println()

	rendered, err := renderMarkdown(ctx.Markdown)
	if err != nil {
		// Fall back to the raw markdown on renderer failure.
		fmt.Println(ctx.Markdown)
		return nil
	}
	fmt.Print(rendered)
	return nil
}

// HandleRestart implements `standupd restart`.
func (c *Client) HandleRestart() error {
	body, err := c.post("/restart")
	if err != nil {
		return err
	}
	if c.json {
		fmt.Println(string(body))
		return nil
	}

	var result struct {
		Restarted bool   `json:"restarted"`
		Error     string `json:"error"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("unexpected response from daemon: %w", err)
	}
	if !result.Restarted {
		fmt.Println(ErrorStyle.Render("Restart failed: ") + ValueStyle.Render(result.Error))
		return fmt.Errorf("restart failed")
	}
	fmt.Println(SuccessStyle.Render("Model restarted"))
	return nil
}

// HandleLogs implements `standupd logs`.
func (c *Client) HandleLogs(lines int) error {
	body, err := c.get(fmt.Sprintf("/logs?n=%d", lines))
	if err != nil {
		return err
	}
	if c.json {
		fmt.Println(string(body))
		return nil
	}

	var payload struct {
		Lines []string `json:"lines"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("unexpected response from daemon: %w", err)
	}
	for _, line := range payload.Lines {
		fmt.Println(DimStyle.Render(line))
	}
	return nil
}

// HandleHistory implements `standupd history`.
func (c *Client) HandleHistory(lines int) error {
	body, err := c.get(fmt.Sprintf("/history?n=%d", lines))
	if err != nil {
		return err
	}
	if c.json {
		fmt.Println(string(body))
		return nil
	}

	var payload struct {
		Events []struct {
			Kind      string    `json:"kind"`
			Agent     string    `json:"agent"`
			OpID      string    `json:"op_id"`
			Detail    string    `json:"detail"`
			CreatedAt time.Time `json:"created_at"`
		} `json:"events"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("unexpected response from daemon: %w", err)
	}

	fmt.Println(TitleStyle.Render("Recent events"))
	for _, ev := range payload.Events {
		when := DimStyle.Render(ev.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		kind := ValueStyle.Render(fmt.Sprintf("%-10s", ev.Kind))
		detail := ev.Detail
		if ev.Agent != "" {
			detail = "agent=" + ev.Agent + " " + detail
		}
		fmt.Printf("%s  %s %s\n", when, kind, DimStyle.Render(detail))
	}
	return nil
}

// ============================================================================
// HELPERS
// ============================================================================

func (c *Client) get(path string) ([]byte, error) {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return nil, fmt.Errorf("cannot reach standupd at %s: %w", c.base, err)
	}
	return c.readBody(resp, path)
}

func (c *Client) post(path string) ([]byte, error) {
	resp, err := c.http.Post(c.base+path, "application/json", nil)
	if err != nil {
		return nil, fmt.Errorf("cannot reach standupd at %s: %w", c.base, err)
	}
	return c.readBody(resp, path)
}

// readBody returns the body for any JSON response; non-2xx responses that
// carry a JSON error body are still returned so the caller can display the
// daemon's explanation.
func (c *Client) readBody(resp *http.Response, path string) ([]byte, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %s", path, errorMessage(body, "not found"))
	}
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusInternalServerError {
		return nil, fmt.Errorf("%s: %s", path, errorMessage(body, resp.Status))
	}
	return body, nil
}

// errorMessage digs the message out of the daemon's error envelope.
func errorMessage(body []byte, fallback string) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return fallback
}

func renderMarkdown(md string) (string, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		return "", err
	}
	return r.Render(md)
}

func boolWord(b bool, yes, no string) string {
	if b {
		return yes
	}
	return no
}
