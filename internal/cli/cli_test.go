// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse_DefaultsToServe(t *testing.T) {
	cmd, args := Parse(nil)
	require.Equal(t, CmdServe, cmd)
	require.Equal(t, "http://127.0.0.1:8080", args.APIBase)
	require.Equal(t, 50, args.Lines)
}

func TestParse_Commands(t *testing.T) {
	cases := map[string]Command{
		"serve":   CmdServe,
		"status":  CmdStatus,
		"s":       CmdStatus,
		"context": CmdContext,
		"ctx":     CmdContext,
		"restart": CmdRestart,
		"logs":    CmdLogs,
		"history": CmdHistory,
		"version": CmdVersion,
		"help":    CmdHelp,
	}
	for in, want := range cases {
		cmd, _ := Parse([]string{in})
		require.Equal(t, want, cmd, "command %q", in)
	}
}

func TestParse_UnknownCommandShowsHelp(t *testing.T) {
	cmd, _ := Parse([]string{"bogus"})
	require.Equal(t, CmdHelp, cmd)
}

func TestParse_Flags(t *testing.T) {
	cmd, args := Parse([]string{"--json", "--api", "http://rig:9000", "logs", "--lines", "25"})
	require.Equal(t, CmdLogs, cmd)
	require.True(t, args.JSON)
	require.Equal(t, "http://rig:9000", args.APIBase)
	require.Equal(t, 25, args.Lines)
}

func TestParse_InvalidLinesKeepsDefault(t *testing.T) {
	_, args := Parse([]string{"logs", "--lines", "zero"})
	require.Equal(t, 50, args.Lines)
}

func TestParse_APIBaseFromEnv(t *testing.T) {
	t.Setenv("STANDUPD_API", "http://10.0.0.5:8080/")
	_, args := Parse([]string{"status"})
	require.Equal(t, "http://10.0.0.5:8080", args.APIBase)
}
