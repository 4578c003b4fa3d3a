package session

import (
	"testing"
	"time"

	"github.com/toolgate/toolgate/pkg/models"
)

func TestCreateAndGet(t *testing.T) {
	r := NewRegistry()

	s := r.Create(TransportSSE, "dev", map[string]string{"TOKEN": "abc", "EMPTY": ""})
	if s.ID == "" {
		t.Fatal("expected non-empty session id")
	}
	if s.Transport != TransportSSE {
		t.Errorf("Transport = %q, want %q", s.Transport, TransportSSE)
	}
	if s.Group != "dev" {
		t.Errorf("Group = %q, want %q", s.Group, "dev")
	}

	got, ok := r.Get(s.ID)
	if !ok || got.ID != s.ID {
		t.Fatalf("Get(%q) = %v, %v", s.ID, got, ok)
	}
	if r.State(s.ID) != models.StateConnecting {
		t.Errorf("State = %q, want %q", r.State(s.ID), models.StateConnecting)
	}

	secrets := r.Secrets(s.ID)
	if secrets["TOKEN"] != "abc" {
		t.Errorf("Secrets[TOKEN] = %q, want %q", secrets["TOKEN"], "abc")
	}
	if _, ok := secrets["EMPTY"]; ok {
		t.Error("empty secret value should not be stored")
	}
}

func TestRemove(t *testing.T) {
	r := NewRegistry()
	s := r.Create(TransportStreamable, "", nil)

	closed := false
	r.SetOnClose(s.ID, func() { closed = true })

	r.Remove(s.ID)
	if _, ok := r.Get(s.ID); ok {
		t.Error("session still present after Remove")
	}
	if !closed {
		t.Error("onClose hook not invoked")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}

	// Removing twice must not panic or re-run the hook.
	closed = false
	r.Remove(s.ID)
	if closed {
		t.Error("onClose invoked for unknown session")
	}
}

func TestUpdateSecrets(t *testing.T) {
	r := NewRegistry()
	s := r.Create(TransportSSE, "", map[string]string{"A": "1", "B": "2"})

	r.UpdateSecrets(s.ID, map[string]string{"A": "9", "B": "", "C": "3"})

	got := r.Secrets(s.ID)
	want := map[string]string{"A": "9", "B": "2", "C": "3"}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("Secrets[%s] = %q, want %q", k, got[k], v)
		}
	}
}

func TestSecretsReturnsCopy(t *testing.T) {
	r := NewRegistry()
	s := r.Create(TransportSSE, "", map[string]string{"A": "1"})

	got := r.Secrets(s.ID)
	got["A"] = "mutated"

	if r.Secrets(s.ID)["A"] != "1" {
		t.Error("caller mutation leaked into the registry")
	}
}

func TestSweep(t *testing.T) {
	r := NewRegistry()

	stuck := r.Create(TransportStreamable, "", nil)
	connected := r.Create(TransportSSE, "", nil)
	fresh := r.Create(TransportSSE, "", nil)

	r.SetState(connected.ID, models.StateConnected)

	old := time.Now().UTC().Add(-5 * time.Minute)
	r.mu.Lock()
	r.sessions[stuck.ID].lastActivity = old
	r.sessions[connected.ID].lastActivity = old
	r.mu.Unlock()

	removed := r.Sweep(2 * time.Minute)
	if removed != 1 {
		t.Fatalf("Sweep removed %d sessions, want 1", removed)
	}
	if _, ok := r.Get(stuck.ID); ok {
		t.Error("stuck connecting session survived sweep")
	}
	if _, ok := r.Get(connected.ID); !ok {
		t.Error("connected idle session was reaped")
	}
	if _, ok := r.Get(fresh.ID); !ok {
		t.Error("fresh session was reaped")
	}
}

func TestTouchDefersSweep(t *testing.T) {
	r := NewRegistry()
	s := r.Create(TransportStreamable, "", nil)

	r.mu.Lock()
	r.sessions[s.ID].lastActivity = time.Now().UTC().Add(-5 * time.Minute)
	r.mu.Unlock()

	r.Touch(s.ID)

	if removed := r.Sweep(2 * time.Minute); removed != 0 {
		t.Errorf("Sweep removed %d sessions after Touch, want 0", removed)
	}
}

func TestRecordReconnectAttempt(t *testing.T) {
	r := NewRegistry()
	s := r.Create(TransportStreamable, "", nil)

	if n := r.RecordReconnectAttempt(s.ID); n != 1 {
		t.Errorf("first attempt = %d, want 1", n)
	}
	if n := r.RecordReconnectAttempt(s.ID); n != 2 {
		t.Errorf("second attempt = %d, want 2", n)
	}
	if n := r.RecordReconnectAttempt("nope"); n != 0 {
		t.Errorf("unknown session attempt = %d, want 0", n)
	}
}
