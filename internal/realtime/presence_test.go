package realtime

import (
	"testing"
)

func rosterIDs(roster []PresenceEntry) []string {
	ids := make([]string, 0, len(roster))
	for _, entry := range roster {
		ids = append(ids, entry.UserID)
	}
	return ids
}

func TestPresenceChannelJoinLeaveRoster(t *testing.T) {
	channel := NewPresenceChannel()

	handleOne := channel.Track("u1", "Maria")
	handleTwo := channel.Track("u2", "João")

	ids := rosterIDs(channel.Roster())
	if len(ids) != 2 || ids[0] != "u1" || ids[1] != "u2" {
		t.Fatalf("unexpected roster after joins: %v", ids)
	}

	channel.Untrack(handleOne)
	ids = rosterIDs(channel.Roster())
	if len(ids) != 1 || ids[0] != "u2" {
		t.Fatalf("expected only u2 after u1 left, got %v", ids)
	}

	channel.Untrack(handleTwo)
	if len(channel.Roster()) != 0 {
		t.Fatal("expected empty roster after all leaves")
	}
}

func TestPresenceChannelDeliversFullSnapshots(t *testing.T) {
	channel := NewPresenceChannel()

	var snapshots [][]string
	cancel := channel.OnSync(func(roster []PresenceEntry) {
		snapshots = append(snapshots, rosterIDs(roster))
	})
	defer cancel()

	handle := channel.Track("u1", "Maria")
	channel.Track("u2", "João")
	channel.Untrack(handle)

	if len(snapshots) != 4 {
		t.Fatalf("expected 4 snapshots (initial + 3 mutations), got %d", len(snapshots))
	}
	final := snapshots[len(snapshots)-1]
	if len(final) != 1 || final[0] != "u2" {
		t.Fatalf("expected final snapshot to contain u2 only, got %v", final)
	}
}

func TestPresenceChannelCollapsesDuplicateIdentity(t *testing.T) {
	channel := NewPresenceChannel()

	first := channel.Track("u1", "Maria")
	second := channel.Track("u1", "Maria")

	if count := len(channel.Roster()); count != 1 {
		t.Fatalf("expected duplicate handles to collapse to one entry, got %d", count)
	}

	channel.Untrack(first)
	if count := len(channel.Roster()); count != 1 {
		t.Fatalf("expected identity to remain while a handle is live, got %d", count)
	}

	channel.Untrack(second)
	if count := len(channel.Roster()); count != 0 {
		t.Fatalf("expected empty roster after last handle untracked, got %d", count)
	}
}

func TestPresenceChannelUntrackUnknownHandleIsNoOp(t *testing.T) {
	channel := NewPresenceChannel()
	channel.Track("u1", "Maria")

	channel.Untrack(9999)

	if count := len(channel.Roster()); count != 1 {
		t.Fatalf("expected roster untouched by unknown handle, got %d entries", count)
	}
}
