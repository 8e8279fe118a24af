package merge

import "testing"

func TestDiffModificationIsConflict(t *testing.T) {
	summary := Diff("A\nB\nC", "A\nX\nC")

	if !summary.HasConflicts {
		t.Fatal("expected a conflict")
	}
	if summary.Modifications != 1 || summary.Additions != 0 || summary.Deletions != 0 {
		t.Fatalf("unexpected tallies: %+v", summary)
	}
	if len(summary.Sections) != 1 {
		t.Fatalf("expected one section, got %d", len(summary.Sections))
	}
	section := summary.Sections[0]
	if section.StartLine != 2 || section.EndLine != 2 {
		t.Fatalf("expected section on line 2, got %d-%d", section.StartLine, section.EndLine)
	}
	change := section.Changes[0]
	if change.Type != ChangeModification || change.Current != "B" || change.Incoming != "X" {
		t.Fatalf("unexpected change: %+v", change)
	}
}

func TestDiffAdditionIsNotConflict(t *testing.T) {
	summary := Diff("A\nB", "A\nB\nC")

	if summary.HasConflicts {
		t.Fatal("expected no conflicts for a pure addition")
	}
	if summary.Additions != 1 {
		t.Fatalf("expected one addition, got %+v", summary)
	}
	if summary.Sections[0].Changes[0].Line != 3 {
		t.Fatalf("expected addition on line 3, got %+v", summary.Sections[0])
	}
}

func TestDiffDeletion(t *testing.T) {
	summary := Diff("A\nB\nC", "A\nB")

	if summary.HasConflicts {
		t.Fatal("expected no conflicts for a pure deletion")
	}
	if summary.Deletions != 1 {
		t.Fatalf("expected one deletion, got %+v", summary)
	}
}

func TestDiffEmptyLineAgainstPresentIsAddition(t *testing.T) {
	summary := Diff("A\n\nC", "A\nB\nC")

	if summary.Additions != 1 || summary.Modifications != 0 {
		t.Fatalf("expected an addition for empty-vs-present, got %+v", summary)
	}
}

func TestDiffIdenticalContentIsEmpty(t *testing.T) {
	summary := Diff("A\nB\nC", "A\nB\nC")

	if summary.HasConflicts || len(summary.Sections) != 0 {
		t.Fatalf("expected an empty summary, got %+v", summary)
	}
}

func TestDiffGroupsAdjacentChanges(t *testing.T) {
	summary := Diff("A\nB\nC\nD\nE", "A\nx\ny\nD\nz")

	if len(summary.Sections) != 2 {
		t.Fatalf("expected two sections, got %d", len(summary.Sections))
	}
	first, second := summary.Sections[0], summary.Sections[1]
	if first.StartLine != 2 || first.EndLine != 3 {
		t.Fatalf("unexpected first section bounds: %d-%d", first.StartLine, first.EndLine)
	}
	if first.Modifications != 2 {
		t.Fatalf("expected two modifications in the first section, got %d", first.Modifications)
	}
	if second.StartLine != 5 || second.EndLine != 5 {
		t.Fatalf("unexpected second section bounds: %d-%d", second.StartLine, second.EndLine)
	}
}
