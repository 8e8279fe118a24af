package merge

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/LoomLabsHQ/loom/backend/internal/auth"
	"github.com/LoomLabsHQ/loom/backend/internal/document"
	"github.com/LoomLabsHQ/loom/backend/internal/history"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type harness struct {
	history *history.Service
	engine  *Engine
	docID   document.DocumentID
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dsn := fmt.Sprintf("file:loom_merge_test_%d?mode=memory&cache=shared&_pragma=busy_timeout(5000)", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&history.Branch{}, &history.Version{}, &MergeEvent{}, &MergeConflict{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	historyService, err := history.NewService(history.ServiceConfig{
		Database: db, IDProvider: history.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build history service: %v", err)
	}
	engine, err := NewEngine(EngineConfig{
		Database: db, Branches: historyService, IDProvider: history.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	docID, err := document.NewDocumentID("doc-merge")
	if err != nil {
		t.Fatalf("failed to build document id: %v", err)
	}
	return &harness{history: historyService, engine: engine, docID: docID}
}

// seedBranch creates a branch holding the given content at its head.
func (h *harness) seedBranch(t *testing.T, name, content string) history.Branch {
	t.Helper()

	branchName, err := history.NewBranchName(name)
	if err != nil {
		t.Fatalf("failed to build branch name: %v", err)
	}
	branch, err := h.history.CreateBranch(context.Background(), history.CreateBranchRequest{
		DocumentID: h.docID, Name: branchName, Actor: "alice",
	})
	if err != nil {
		t.Fatalf("failed to create branch: %v", err)
	}
	if _, err := h.history.CommitVersion(context.Background(), history.CommitRequest{
		BranchID: branch.BranchID, Content: content, Actor: "alice", ActorRole: auth.RoleWriter,
	}); err != nil {
		t.Fatalf("failed to seed content: %v", err)
	}
	return branch
}

func (h *harness) headContent(t *testing.T, branchID string) string {
	t.Helper()
	head, err := h.history.HeadVersion(context.Background(), branchID)
	if err != nil {
		t.Fatalf("failed to resolve head: %v", err)
	}
	return head.Content
}

func TestMergeOverwriteReplacesTarget(t *testing.T) {
	h := newHarness(t)
	target := h.seedBranch(t, "main", "old text")
	source := h.seedBranch(t, "feature", "new text")

	outcome, err := h.engine.Merge(context.Background(), MergeRequest{
		SourceBranchID: source.BranchID, TargetBranchID: target.BranchID,
		Strategy: StrategyOverwrite, Initiator: "alice", InitiatorRole: auth.RoleWriter,
	})
	if err != nil {
		t.Fatalf("failed to merge: %v", err)
	}
	if outcome.Event.Status != string(StatusCompleted) {
		t.Fatalf("expected completed event, got %q", outcome.Event.Status)
	}
	if got := h.headContent(t, target.BranchID); got != "new text" {
		t.Fatalf("expected overwritten content, got %q", got)
	}
}

func TestMergeAutoCompletesOneSidedChanges(t *testing.T) {
	h := newHarness(t)
	target := h.seedBranch(t, "main", "A\nB")
	source := h.seedBranch(t, "feature", "A\nB\nC")

	outcome, err := h.engine.Merge(context.Background(), MergeRequest{
		SourceBranchID: source.BranchID, TargetBranchID: target.BranchID,
		Strategy: StrategyMerge, Initiator: "alice", InitiatorRole: auth.RoleWriter,
	})
	if err != nil {
		t.Fatalf("failed to merge: %v", err)
	}
	if outcome.Event.Status != string(StatusCompleted) {
		t.Fatalf("expected completed event, got %q", outcome.Event.Status)
	}
	if len(outcome.Conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %d", len(outcome.Conflicts))
	}
	if got := h.headContent(t, target.BranchID); got != "A\nB\nC" {
		t.Fatalf("expected merged content, got %q", got)
	}
}

func TestMergeSurfacesConflicts(t *testing.T) {
	h := newHarness(t)
	target := h.seedBranch(t, "main", "A\nB\nC")
	source := h.seedBranch(t, "feature", "A\nX\nC")

	outcome, err := h.engine.Merge(context.Background(), MergeRequest{
		SourceBranchID: source.BranchID, TargetBranchID: target.BranchID,
		Strategy: StrategyMerge, Initiator: "alice", InitiatorRole: auth.RoleWriter,
	})
	if err != nil {
		t.Fatalf("failed to merge: %v", err)
	}
	if outcome.Event.Status != string(StatusConflicted) {
		t.Fatalf("expected conflicted event, got %q", outcome.Event.Status)
	}
	if len(outcome.Conflicts) != 1 {
		t.Fatalf("expected one conflict, got %d", len(outcome.Conflicts))
	}
	conflict := outcome.Conflicts[0]
	if conflict.LineNumber != 2 || conflict.CurrentContent != "B" || conflict.IncomingContent != "X" {
		t.Fatalf("unexpected conflict: %+v", conflict)
	}
	// The target branch is untouched until every conflict is resolved.
	if got := h.headContent(t, target.BranchID); got != "A\nB\nC" {
		t.Fatalf("expected target unchanged, got %q", got)
	}
}

func TestResolveBothKeepsBothLines(t *testing.T) {
	h := newHarness(t)
	target := h.seedBranch(t, "main", "A\nB\nC")
	source := h.seedBranch(t, "feature", "A\nX\nC")

	outcome, err := h.engine.Merge(context.Background(), MergeRequest{
		SourceBranchID: source.BranchID, TargetBranchID: target.BranchID,
		Strategy: StrategyMerge, Initiator: "alice", InitiatorRole: auth.RoleWriter,
	})
	if err != nil {
		t.Fatalf("failed to merge: %v", err)
	}

	resolved, err := h.engine.Resolve(context.Background(), ResolveRequest{
		MergeID: outcome.Event.MergeID,
		Resolutions: []ConflictResolution{
			{ConflictID: outcome.Conflicts[0].ConflictID, Resolution: ResolutionBoth},
		},
		Actor: "alice", ActorRole: auth.RoleWriter,
	})
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if resolved.Event.Status != string(StatusCompleted) {
		t.Fatalf("expected completed event, got %q", resolved.Event.Status)
	}
	if got := h.headContent(t, target.BranchID); got != "A\nB\n\nX\nC" {
		t.Fatalf("expected both lines kept, got %q", got)
	}
}

func TestResolveManualRequiresText(t *testing.T) {
	h := newHarness(t)
	target := h.seedBranch(t, "main", "A")
	source := h.seedBranch(t, "feature", "B")

	outcome, err := h.engine.Merge(context.Background(), MergeRequest{
		SourceBranchID: source.BranchID, TargetBranchID: target.BranchID,
		Strategy: StrategyMerge, Initiator: "alice", InitiatorRole: auth.RoleWriter,
	})
	if err != nil {
		t.Fatalf("failed to merge: %v", err)
	}

	_, err = h.engine.Resolve(context.Background(), ResolveRequest{
		MergeID: outcome.Event.MergeID,
		Resolutions: []ConflictResolution{
			{ConflictID: outcome.Conflicts[0].ConflictID, Resolution: ResolutionManual, ManualText: "   "},
		},
		Actor: "alice", ActorRole: auth.RoleWriter,
	})
	if !errors.Is(err, ErrInvalidResolution) {
		t.Fatalf("expected ErrInvalidResolution, got %v", err)
	}

	resolved, err := h.engine.Resolve(context.Background(), ResolveRequest{
		MergeID: outcome.Event.MergeID,
		Resolutions: []ConflictResolution{
			{ConflictID: outcome.Conflicts[0].ConflictID, Resolution: ResolutionManual, ManualText: "AB combined"},
		},
		Actor: "alice", ActorRole: auth.RoleWriter,
	})
	if err != nil {
		t.Fatalf("failed to resolve manually: %v", err)
	}
	if got := h.headContent(t, target.BranchID); got != "AB combined" {
		t.Fatalf("expected manual text, got %q", got)
	}
	if resolved.Event.ResultVersionID == nil {
		t.Fatal("expected a result version")
	}
}

func TestResolvePartialBatchStaysConflicted(t *testing.T) {
	h := newHarness(t)
	target := h.seedBranch(t, "main", "A\nB")
	source := h.seedBranch(t, "feature", "x\ny")

	outcome, err := h.engine.Merge(context.Background(), MergeRequest{
		SourceBranchID: source.BranchID, TargetBranchID: target.BranchID,
		Strategy: StrategyMerge, Initiator: "alice", InitiatorRole: auth.RoleWriter,
	})
	if err != nil {
		t.Fatalf("failed to merge: %v", err)
	}
	if len(outcome.Conflicts) != 2 {
		t.Fatalf("expected two conflicts, got %d", len(outcome.Conflicts))
	}

	partial, err := h.engine.Resolve(context.Background(), ResolveRequest{
		MergeID: outcome.Event.MergeID,
		Resolutions: []ConflictResolution{
			{ConflictID: outcome.Conflicts[0].ConflictID, Resolution: ResolutionIncoming},
		},
		Actor: "alice", ActorRole: auth.RoleWriter,
	})
	if err != nil {
		t.Fatalf("failed to resolve partially: %v", err)
	}
	if partial.Event.Status != string(StatusConflicted) {
		t.Fatalf("expected event to stay conflicted, got %q", partial.Event.Status)
	}
	if got := h.headContent(t, target.BranchID); got != "A\nB" {
		t.Fatalf("expected target unchanged, got %q", got)
	}
}

func TestMergeIdenticalContentIsIdempotent(t *testing.T) {
	h := newHarness(t)
	target := h.seedBranch(t, "main", "same text")
	source := h.seedBranch(t, "feature", "same text")

	before, err := h.history.ListVersions(context.Background(), target.BranchID)
	if err != nil {
		t.Fatalf("failed to list versions: %v", err)
	}

	outcome, err := h.engine.Merge(context.Background(), MergeRequest{
		SourceBranchID: source.BranchID, TargetBranchID: target.BranchID,
		Strategy: StrategyMerge, Initiator: "alice", InitiatorRole: auth.RoleWriter,
	})
	if err != nil {
		t.Fatalf("failed to merge: %v", err)
	}
	if outcome.Event.Status != string(StatusCompleted) {
		t.Fatalf("expected completed event, got %q", outcome.Event.Status)
	}

	after, err := h.history.ListVersions(context.Background(), target.BranchID)
	if err != nil {
		t.Fatalf("failed to list versions: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("expected no new version for a no-op merge, got %d -> %d", len(before), len(after))
	}
}

func TestMergeValidation(t *testing.T) {
	h := newHarness(t)
	branch := h.seedBranch(t, "main", "text")

	_, err := h.engine.Merge(context.Background(), MergeRequest{
		SourceBranchID: branch.BranchID, TargetBranchID: branch.BranchID,
		Strategy: StrategyMerge, Initiator: "alice", InitiatorRole: auth.RoleWriter,
	})
	if !errors.Is(err, ErrInvalidMergeRequest) {
		t.Fatalf("expected ErrInvalidMergeRequest for a same-branch merge, got %v", err)
	}

	_, err = h.engine.Merge(context.Background(), MergeRequest{
		SourceBranchID: "missing", TargetBranchID: branch.BranchID,
		Strategy: StrategyMerge, Initiator: "alice", InitiatorRole: auth.RoleWriter,
	})
	if !errors.Is(err, ErrInvalidMergeRequest) {
		t.Fatalf("expected ErrInvalidMergeRequest for an unknown branch, got %v", err)
	}

	_, err = h.engine.Preview(context.Background(), branch.BranchID, branch.BranchID)
	if !errors.Is(err, ErrInvalidMergeRequest) {
		t.Fatalf("expected ErrInvalidMergeRequest from preview, got %v", err)
	}
}

func TestAbandonClosesMerge(t *testing.T) {
	h := newHarness(t)
	target := h.seedBranch(t, "main", "A")
	source := h.seedBranch(t, "feature", "B")

	outcome, err := h.engine.Merge(context.Background(), MergeRequest{
		SourceBranchID: source.BranchID, TargetBranchID: target.BranchID,
		Strategy: StrategyMerge, Initiator: "alice", InitiatorRole: auth.RoleWriter,
	})
	if err != nil {
		t.Fatalf("failed to merge: %v", err)
	}

	abandoned, err := h.engine.Abandon(context.Background(), outcome.Event.MergeID, "alice")
	if err != nil {
		t.Fatalf("failed to abandon: %v", err)
	}
	if abandoned.Status != string(StatusFailed) {
		t.Fatalf("expected failed status, got %q", abandoned.Status)
	}

	if _, err := h.engine.Abandon(context.Background(), outcome.Event.MergeID, "alice"); !errors.Is(err, ErrMergeClosed) {
		t.Fatalf("expected ErrMergeClosed on a second abandon, got %v", err)
	}
	_, err = h.engine.Resolve(context.Background(), ResolveRequest{
		MergeID: outcome.Event.MergeID,
		Resolutions: []ConflictResolution{
			{ConflictID: outcome.Conflicts[0].ConflictID, Resolution: ResolutionCurrent},
		},
		Actor: "alice", ActorRole: auth.RoleWriter,
	})
	if !errors.Is(err, ErrMergeClosed) {
		t.Fatalf("expected ErrMergeClosed on resolve, got %v", err)
	}
}

func TestPreviewReportsSummary(t *testing.T) {
	h := newHarness(t)
	target := h.seedBranch(t, "main", "A\nB\nC")
	source := h.seedBranch(t, "feature", "A\nX\nC")

	summary, err := h.engine.Preview(context.Background(), source.BranchID, target.BranchID)
	if err != nil {
		t.Fatalf("failed to preview: %v", err)
	}
	if !summary.HasConflicts || summary.Modifications != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}
