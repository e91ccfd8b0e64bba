package core

import (
	"testing"
	"time"
)

func TestSession_AppendMessageUpdatesMetrics(t *testing.T) {
	s := NewSession("subj-1", "web", time.Hour)

	if err := s.AppendMessage(NewUserMessage("hi")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := s.AppendMessage(NewAssistantMessage("hello")); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	if s.Metrics.MessageCount != 2 {
		t.Errorf("expected 2 messages, got %d", s.Metrics.MessageCount)
	}
	if s.Metrics.UserMessageCount != 1 {
		t.Errorf("expected 1 user message, got %d", s.Metrics.UserMessageCount)
	}
	if s.ExpiresAt.Before(s.LastActivity) {
		t.Error("expiry horizon should trail activity")
	}
}

func TestSession_TerminalFailsClosed(t *testing.T) {
	s := NewSession("subj-2", "web", time.Hour)
	if err := s.MarkTerminal(SessionCompleted, "stop keyword"); err != nil {
		t.Fatalf("mark terminal failed: %v", err)
	}

	if err := s.AppendMessage(NewUserMessage("anyone there?")); err != ErrSessionTerminal {
		t.Errorf("expected ErrSessionTerminal, got %v", err)
	}
	if err := s.MarkTerminal(SessionAbandoned, ""); err != ErrSessionTerminal {
		t.Errorf("terminal transition must be one-way, got %v", err)
	}
	if err := s.MarkTerminal(SessionActive, ""); err != ErrNotTerminalStatus {
		t.Errorf("expected ErrNotTerminalStatus, got %v", err)
	}
}

func TestSession_WindowAndClone(t *testing.T) {
	s := NewSession("subj-3", "web", time.Hour)
	for _, txt := range []string{"a", "b", "c", "d"} {
		if err := s.AppendMessage(NewUserMessage(txt)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	win := s.Window(2)
	if len(win) != 2 || win[0].Content != "c" || win[1].Content != "d" {
		t.Fatalf("unexpected window: %+v", win)
	}
	win[0].Content = "mutated"
	if s.Window(2)[0].Content != "c" {
		t.Error("window must be a defensive copy")
	}

	clone := s.Clone()
	if clone == s {
		t.Fatal("clone should be a different pointer")
	}
	clone.MergeContext(map[string]any{"x": 1})
	if _, ok := s.Context.Vars["x"]; ok {
		t.Error("original should not observe clone mutation")
	}
}

func TestSession_Expired(t *testing.T) {
	s := NewSession("subj-4", "web", time.Minute)
	now := time.Now().UTC()
	if s.Expired(now) {
		t.Error("fresh session should not be expired")
	}
	if !s.Expired(now.Add(2 * time.Minute)) {
		t.Error("session past its horizon should be expired")
	}
}

func TestParseActionKind(t *testing.T) {
	if _, err := ParseActionKind("schedule_followup"); err != nil {
		t.Fatalf("known kind rejected: %v", err)
	}
	if _, err := ParseActionKind("launch_rocket"); err == nil {
		t.Fatal("unknown kind must fail predictably")
	}
}

func TestCounters_Snapshot(t *testing.T) {
	var c Counters
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				c.AddMessages(1)
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	if got := c.Snapshot().Messages; got != 800 {
		t.Errorf("expected 800 messages, got %d", got)
	}
}
