// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestSubmit_EmptyMarkdownRejected(t *testing.T) {
	s := New(1024)

	for _, md := range []string{"", "   ", "\n\t"} {
		_, err := s.Submit(md, "Molty")
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("Submit(%q) error = %v, want *ValidationError", md, err)
		}
	}

	if _, ok := s.Current(); ok {
		t.Error("rejected submission must not change state")
	}
}

func TestSubmit_OversizeRejected(t *testing.T) {
	s := New(16)

	_, err := s.Submit(strings.Repeat("x", 17), "Molty")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
}

func TestSubmit_RejectionLeavesPreviousContext(t *testing.T) {
	s := New(1024)

	if _, err := s.Submit("# Tasks", "Molty"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := s.Submit("", "Molty"); err == nil {
		t.Fatal("empty submission should be rejected")
	}

	cur, ok := s.Current()
	if !ok || cur.Markdown != "# Tasks" {
		t.Errorf("Current() = %+v, %v; want prior context intact", cur, ok)
	}
}

func TestSubmit_DefaultAgentName(t *testing.T) {
	s := New(1024)

	if _, err := s.Submit("# Tasks", ""); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	cur, _ := s.Current()
	if cur.AgentName != DefaultAgentName {
		t.Errorf("AgentName = %q, want %q", cur.AgentName, DefaultAgentName)
	}
}

func TestSubmit_ReturnsSupersededTimestamp(t *testing.T) {
	s := New(1024)

	prev, err := s.Submit("first", "Molty")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !prev.IsZero() {
		t.Errorf("first submission prev = %v, want zero", prev)
	}

	first, _ := s.Current()

	prev, err = s.Submit("second", "Molty")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !prev.Equal(first.ReceivedAt) {
		t.Errorf("prev = %v, want %v", prev, first.ReceivedAt)
	}
}

func TestStore_ConcurrentSubmitAndRead(t *testing.T) {
	s := New(1024)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = s.Submit("# Tasks\n- item", "Molty")
		}()
		go func() {
			defer wg.Done()
			cur, ok := s.Current()
			if ok && (cur.Markdown == "" || cur.AgentName == "") {
				t.Error("observed half-updated context")
			}
		}()
	}
	wg.Wait()
}
