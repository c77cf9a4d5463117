package lobby

import (
	"testing"

	"netplay/internal/protocol"
)

func TestFirstPlayerBecomesHost(t *testing.T) {
	m := NewManager(Config{})
	p, err := m.TryAddPlayer("s1", "Alice", protocol.RoleMember)
	if err != nil {
		t.Fatalf("TryAddPlayer: %v", err)
	}
	if p.Role != protocol.RoleHost {
		t.Fatalf("Role = %v, want RoleHost", p.Role)
	}
}

func TestSecondHostRequestCoercedToMember(t *testing.T) {
	m := NewManager(Config{})
	if _, err := m.TryAddPlayer("s1", "Alice", protocol.RoleMember); err != nil {
		t.Fatalf("TryAddPlayer s1: %v", err)
	}
	p2, err := m.TryAddPlayer("s2", "Bob", protocol.RoleHost)
	if err != nil {
		t.Fatalf("TryAddPlayer s2: %v", err)
	}
	if p2.Role != protocol.RoleMember {
		t.Fatalf("Role = %v, want RoleMember", p2.Role)
	}
}

func TestLobbyFullRejectsNewPlayer(t *testing.T) {
	m := NewManager(Config{MaxPlayers: 1})
	if _, err := m.TryAddPlayer("s1", "Alice", protocol.RoleMember); err != nil {
		t.Fatalf("TryAddPlayer s1: %v", err)
	}
	if _, err := m.TryAddPlayer("s2", "Bob", protocol.RoleMember); err != ErrLobbyFull {
		t.Fatalf("err = %v, want ErrLobbyFull", err)
	}
}

func TestHostPromotionOnRemoval(t *testing.T) {
	m := NewManager(Config{})
	if _, err := m.TryAddPlayer("s1", "Alice", protocol.RoleMember); err != nil {
		t.Fatalf("add s1: %v", err)
	}
	if _, err := m.TryAddPlayer("s2", "Bob", protocol.RoleMember); err != nil {
		t.Fatalf("add s2: %v", err)
	}
	if err := m.TryRemovePlayer("s1"); err != nil {
		t.Fatalf("remove s1: %v", err)
	}
	snap := m.BuildSnapshot()
	if len(snap.Players) != 1 || snap.Players[0].Role != protocol.RoleHost {
		t.Fatalf("expected remaining member promoted to Host, got %+v", snap.Players)
	}
}

func TestSpectatorCannotReady(t *testing.T) {
	m := NewManager(Config{})
	if _, err := m.TryAddPlayer("s1", "Alice", protocol.RoleMember); err != nil {
		t.Fatalf("add s1: %v", err)
	}
	if _, err := m.TryAddPlayer("s2", "Bob", protocol.RoleSpectator); err != nil {
		t.Fatalf("add s2: %v", err)
	}
	if _, err := m.TrySetReady("s2", true); err != ErrSpectatorCannotReady {
		t.Fatalf("err = %v, want ErrSpectatorCannotReady", err)
	}
}

func TestApplySongSelectionNormalizesAndClearsReadiness(t *testing.T) {
	m := NewManager(Config{})
	if _, err := m.TryAddPlayer("s1", "Alice", protocol.RoleMember); err != nil {
		t.Fatalf("add s1: %v", err)
	}
	if _, err := m.TryAddPlayer("s2", "Bob", protocol.RoleMember); err != nil {
		t.Fatalf("add s2: %v", err)
	}
	if _, err := m.TrySetReady("s1", true); err != nil {
		t.Fatalf("set ready s1: %v", err)
	}

	ok, err := m.TryApplySongSelection(SongSelectionState{
		SongId: "  song-1  ",
		Assignments: []protocol.SongAssignment{
			{PlayerId: "s1", Instrument: " Guitar ", Difficulty: " Expert "},
			{PlayerId: "s1", Instrument: "Guitar", Difficulty: "Hard"}, // duplicate PlayerId, dropped
			{PlayerId: "ghost", Instrument: "Drums", Difficulty: "Easy"}, // not a member, dropped
			{PlayerId: "s2", Instrument: "", Difficulty: "Easy"}, // empty instrument, dropped
		},
	})
	if !ok || err != nil {
		t.Fatalf("TryApplySongSelection: ok=%v err=%v", ok, err)
	}

	snap := m.BuildSnapshot()
	if snap.Selection == nil {
		t.Fatal("expected a selection")
	}
	if snap.Selection.SongId != "song-1" {
		t.Fatalf("SongId = %q, want song-1", snap.Selection.SongId)
	}
	if len(snap.Selection.Assignments) != 1 {
		t.Fatalf("Assignments = %+v, want 1 entry", snap.Selection.Assignments)
	}
	if snap.Selection.Assignments[0].Difficulty != "Expert" {
		t.Fatalf("Difficulty = %q, want Expert (first kept, dup dropped)", snap.Selection.Assignments[0].Difficulty)
	}

	for _, p := range snap.Players {
		if p.IsReady {
			t.Fatalf("expected readiness cleared for %s after new song selection", p.PlayerId)
		}
	}
}

func TestApplySongSelectionDedupesAcrossDifferentInstruments(t *testing.T) {
	m := NewManager(Config{})
	if _, err := m.TryAddPlayer("A", "Alice", protocol.RoleMember); err != nil {
		t.Fatalf("add A: %v", err)
	}
	if _, err := m.TryAddPlayer("B", "Bob", protocol.RoleMember); err != nil {
		t.Fatalf("add B: %v", err)
	}
	if _, err := m.TryAddPlayer("Spec", "Specs", protocol.RoleSpectator); err != nil {
		t.Fatalf("add Spec: %v", err)
	}

	ok, err := m.TryApplySongSelection(SongSelectionState{
		SongId: " song:alpha ",
		Assignments: []protocol.SongAssignment{
			{PlayerId: "A", Instrument: "Guitar", Difficulty: "Expert"},
			{PlayerId: "A", Instrument: "Duplicate", Difficulty: "Medium"}, // second A assignment, dropped despite a different instrument
			{PlayerId: "X", Instrument: "Bass", Difficulty: "Hard"},       // not a member, dropped
			{PlayerId: "B", Instrument: "Bass", Difficulty: "Hard"},
			{PlayerId: "Spec", Instrument: "Vocals", Difficulty: "Easy"}, // spectator, dropped
			{PlayerId: "B", Instrument: "Bass", Difficulty: ""},         // empty difficulty, dropped
		},
	})
	if !ok || err != nil {
		t.Fatalf("TryApplySongSelection: ok=%v err=%v", ok, err)
	}

	snap := m.BuildSnapshot()
	want := []protocol.SongAssignment{
		{PlayerId: "A", Instrument: "Guitar", Difficulty: "Expert"},
		{PlayerId: "B", Instrument: "Bass", Difficulty: "Hard"},
	}
	if len(snap.Selection.Assignments) != len(want) {
		t.Fatalf("Assignments = %+v, want %+v", snap.Selection.Assignments, want)
	}
	for i := range want {
		if snap.Selection.Assignments[i] != want[i] {
			t.Fatalf("Assignments[%d] = %+v, want %+v", i, snap.Selection.Assignments[i], want[i])
		}
	}
}

func TestApplySongSelectionRejectsEmptySongId(t *testing.T) {
	m := NewManager(Config{})
	if _, err := m.TryAddPlayer("s1", "Alice", protocol.RoleMember); err != nil {
		t.Fatalf("add s1: %v", err)
	}
	if _, err := m.TryApplySongSelection(SongSelectionState{SongId: "   "}); err == nil {
		t.Fatal("expected error for empty SongId")
	}
}

func TestStatusDerivation(t *testing.T) {
	m := NewManager(Config{})
	if _, err := m.TryAddPlayer("s1", "Alice", protocol.RoleMember); err != nil {
		t.Fatalf("add s1: %v", err)
	}
	if snap := m.BuildSnapshot(); snap.Status != protocol.StatusIdle {
		t.Fatalf("Status = %v, want StatusIdle", snap.Status)
	}

	if _, err := m.TryApplySongSelection(SongSelectionState{SongId: "song-1"}); err != nil {
		t.Fatalf("TryApplySongSelection: %v", err)
	}
	if snap := m.BuildSnapshot(); snap.Status != protocol.StatusSelectingSong {
		t.Fatalf("Status = %v, want StatusSelectingSong", snap.Status)
	}

	if _, err := m.TrySetReady("s1", true); err != nil {
		t.Fatalf("TrySetReady: %v", err)
	}
	if snap := m.BuildSnapshot(); snap.Status != protocol.StatusReadyToPlay {
		t.Fatalf("Status = %v, want StatusReadyToPlay", snap.Status)
	}
}

func TestSnapshotEqual(t *testing.T) {
	a := Snapshot{LobbyId: "l1", Status: protocol.StatusIdle, Players: []protocol.LobbyPlayerView{{PlayerId: "p1"}}}
	b := Snapshot{LobbyId: "l1", Status: protocol.StatusIdle, Players: []protocol.LobbyPlayerView{{PlayerId: "p1"}}}
	if !a.Equal(b) {
		t.Fatal("expected equal snapshots to compare equal")
	}
	b.Status = protocol.StatusInGame
	if a.Equal(b) {
		t.Fatal("expected differing status to compare unequal")
	}
}
