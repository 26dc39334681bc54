package engine

import (
	"reflect"
	"testing"
)

func TestNewTableRejectsUndeclaredTarget(t *testing.T) {
	_, err := NewTable(map[State][]State{
		"draft": {"submitted"},
	})
	if err == nil {
		t.Fatalf("expected error for undeclared target state")
	}
}

func TestTableTerminalStateLaw(t *testing.T) {
	table, err := NewTable(map[State][]State{
		"draft":     {"submitted"},
		"submitted": {"approved"},
		"approved":  {},
	})
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	if got := table.NextStates("approved"); len(got) != 0 {
		t.Fatalf("terminal state should have no next states, got %v", got)
	}
	if got := table.NextStates("nonexistent"); len(got) != 0 {
		t.Fatalf("undeclared state should yield empty set, got %v", got)
	}
	if !table.Terminal("approved") {
		t.Fatalf("approved should be terminal")
	}
	if table.Terminal("nonexistent") {
		t.Fatalf("undeclared state is not terminal, it is unknown")
	}
	if table.Has("nonexistent") {
		t.Fatalf("undeclared state should not be present")
	}
}

func TestTableSelfTransitionOnlyWhenListed(t *testing.T) {
	table, err := NewTable(map[State][]State{
		"open":   {"open", "closed"},
		"closed": {},
	})
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	if !table.IsValid("open", "open") {
		t.Fatalf("listed self-transition should be valid")
	}
	if table.IsValid("closed", "closed") {
		t.Fatalf("unlisted self-transition should be invalid")
	}
}

func TestTableNextStatesSorted(t *testing.T) {
	table, err := NewTable(map[State][]State{
		"submitted": {"rejected", "approved", "canceled"},
		"approved":  {},
		"rejected":  {},
		"canceled":  {},
	})
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	want := []State{"approved", "canceled", "rejected"}
	if got := table.NextStates("submitted"); !reflect.DeepEqual(got, want) {
		t.Fatalf("want %v, got %v", want, got)
	}
}
