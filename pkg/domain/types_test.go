package domain

import "testing"

func TestNormalizeParticipants(t *testing.T) {
	got := NormalizeParticipants([]string{" bob ", "alice", "bob", "", "alice"})
	want := []string{"alice", "bob"}
	if !SameParticipants(got, want) {
		t.Fatalf("normalize = %v, want %v", got, want)
	}
}

func TestSameParticipants(t *testing.T) {
	if !SameParticipants([]string{"a", "b"}, []string{"a", "b"}) {
		t.Fatalf("equal sets reported different")
	}
	if SameParticipants([]string{"a", "b"}, []string{"a", "c"}) {
		t.Fatalf("different sets reported equal")
	}
	if SameParticipants([]string{"a"}, []string{"a", "b"}) {
		t.Fatalf("different sizes reported equal")
	}
}

func TestHideUnhide(t *testing.T) {
	c := Conversation{ParticipantIDs: []string{"alice", "bob"}}
	if !c.HideFor("alice") {
		t.Fatalf("first hide should succeed")
	}
	if c.HideFor("alice") {
		t.Fatalf("second hide should report already hidden")
	}
	if !c.IsHiddenFor("alice") || c.IsHiddenFor("bob") {
		t.Fatalf("hidden set wrong: %v", c.HiddenFor)
	}
	if !c.UnhideFor("alice") {
		t.Fatalf("unhide should succeed")
	}
	if c.UnhideFor("alice") {
		t.Fatalf("unhide of visible conversation should be a no-op")
	}

	c.HideFor("alice")
	c.HideFor("bob")
	c.UnhideAll()
	if len(c.HiddenFor) != 0 {
		t.Fatalf("unhide all left %v", c.HiddenFor)
	}
}

func TestMarkReadByGrowsOnce(t *testing.T) {
	m := Message{ReadBy: []string{"alice"}}
	if !m.MarkReadBy("bob") {
		t.Fatalf("first mark should change the set")
	}
	if m.MarkReadBy("bob") {
		t.Fatalf("second mark should be a no-op")
	}
	if !m.ReadByUser("alice") || !m.ReadByUser("bob") {
		t.Fatalf("read set lost members: %v", m.ReadBy)
	}
}
