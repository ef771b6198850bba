// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package health derives a point-in-time health verdict from the supervised
// process state plus a live TCP probe of the model port. Nothing here is
// cached or watched; every Check is a fresh observation.
package health

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/personaplex/standupd/internal/supervisor"
)

// Status is the coarse verdict reported to callers.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// probeTimeout bounds the port dial so a wedged network stack cannot stall
// the health endpoint.
const probeTimeout = 2 * time.Second

// ProcessSource supplies the supervised process state. Satisfied by
// *supervisor.Supervisor.
type ProcessSource interface {
	Snapshot() supervisor.Snapshot
}

// Report is the full health observation at one instant.
type Report struct {
	Status        Status
	ProcessState  supervisor.State
	Running       bool
	PortOpen      bool
	UptimeSeconds *int64
	LastExitCode  *int
}

// Monitor combines supervisor state with a model-port probe.
type Monitor struct {
	src   ProcessSource
	probe func(ctx context.Context) error
}

// New builds a Monitor that dials the model port on loopback.
func New(src ProcessSource, modelPort int) *Monitor {
	addr := fmt.Sprintf("127.0.0.1:%d", modelPort)
	return &Monitor{
		src: src,
		probe: func(ctx context.Context) error {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return err
			}
			return conn.Close()
		},
	}
}

// NewWithProbe builds a Monitor with a caller-supplied probe. Used by tests.
func NewWithProbe(src ProcessSource, probe func(ctx context.Context) error) *Monitor {
	return &Monitor{src: src, probe: probe}
}

// Check observes the process and the port right now and maps the pair onto a
// verdict. It never returns an error: a failed probe is itself a finding.
func (m *Monitor) Check(ctx context.Context) Report {
	snap := m.src.Snapshot()

	portOpen := false
	if snap.State == supervisor.StateStarting || snap.State == supervisor.StateRunning {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		portOpen = m.probe(pctx) == nil
		cancel()
	}

	rep := Report{
		ProcessState: snap.State,
		Running:      snap.State == supervisor.StateRunning && portOpen,
		PortOpen:     portOpen,
		LastExitCode: snap.LastExitCode,
	}

	if snap.State == supervisor.StateRunning && !snap.StartedAt.IsZero() {
		secs := int64(time.Since(snap.StartedAt).Seconds())
		rep.UptimeSeconds = &secs
	}

	switch {
	case snap.State == supervisor.StateRunning && portOpen:
		rep.Status = StatusHealthy
	case snap.State == supervisor.StateRunning,
		snap.State == supervisor.StateStarting,
		snap.State == supervisor.StateStopping:
		rep.Status = StatusDegraded
	default: // stopped, crashed
		rep.Status = StatusUnhealthy
	}
	return rep
}
