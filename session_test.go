package chatsg

import (
	"testing"
	"time"
)

func TestPreferencesPatchApply(t *testing.T) {
	now := time.Now()
	boolTrue := true
	name := "TechnicalAgent"

	prefs := UserPreferences{CrossSessionMemory: false, LastAgentUsed: "CreativeAgent"}
	PreferencesPatch{
		AgentLock:          &boolTrue,
		PreferredAgent:     &name,
		AgentLockTimestamp: &now,
	}.Apply(&prefs)

	if !prefs.AgentLock || prefs.PreferredAgent != name {
		t.Errorf("prefs = %+v", prefs)
	}
	if prefs.AgentLockTimestamp == nil || !prefs.AgentLockTimestamp.Equal(now) {
		t.Errorf("AgentLockTimestamp = %v", prefs.AgentLockTimestamp)
	}
	// Untouched fields survive.
	if prefs.LastAgentUsed != "CreativeAgent" {
		t.Errorf("LastAgentUsed = %q, want unchanged", prefs.LastAgentUsed)
	}
	if prefs.CrossSessionMemory {
		t.Error("CrossSessionMemory flipped without a patch field")
	}
}

func TestPreferencesPatchEmptyIsNoop(t *testing.T) {
	prefs := UserPreferences{AgentLock: true, PreferredAgent: "a", LastAgentUsed: "b"}
	before := prefs
	PreferencesPatch{}.Apply(&prefs)
	if prefs != before {
		t.Errorf("empty patch changed prefs: %+v -> %+v", before, prefs)
	}
}

func TestNewIDUniqueAndSortable(t *testing.T) {
	seen := make(map[string]bool)
	var prev string
	for i := 0; i < 100; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
		if prev != "" && id < prev {
			// UUIDv7 is time-ordered; within one process ids must not
			// regress.
			t.Fatalf("id %s sorts before predecessor %s", id, prev)
		}
		prev = id
	}
}
