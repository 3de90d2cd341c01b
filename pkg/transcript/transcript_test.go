package transcript

import (
	"testing"
	"time"
)

func TestLogAppendOrderAndLookup(t *testing.T) {
	l := NewLog()
	at := time.Unix(10, 0)
	u := l.Append(RoleUser, "hello", at, "")
	a := l.Append(RoleAssistant, "hi there", at.Add(time.Second), "audio-1")

	if u.ID == "" || u.ID == a.ID {
		t.Fatalf("expected distinct ids, got %q and %q", u.ID, a.ID)
	}
	entries := l.Entries()
	if len(entries) != 2 || entries[0].Role != RoleUser || entries[1].AudioID != "audio-1" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	entries[0].Text = "mutated"
	if got, _ := l.Get(u.ID); got.Text != "hello" {
		t.Fatalf("Entries must return a copy")
	}
	if got, ok := l.At(1); !ok || got.ID != a.ID {
		t.Fatalf("unexpected At(1) %+v", got)
	}
	if _, ok := l.At(2); ok {
		t.Fatalf("expected out of range")
	}

	l.Clear()
	if l.Len() != 0 {
		t.Fatalf("expected empty log")
	}
	if _, ok := l.Get(u.ID); ok {
		t.Fatalf("expected cleared index")
	}
}
