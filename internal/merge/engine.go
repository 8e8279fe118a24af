package merge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LoomLabsHQ/loom/backend/internal/auth"
	"github.com/LoomLabsHQ/loom/backend/internal/history"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingBranches   = errors.New("branch store is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries an operation-scoped code alongside the causal error.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opEngineNew = "merge.engine.new"
	opPreview   = "merge.preview"
	opMerge     = "merge.merge"
	opResolve   = "merge.resolve"
	opAbandon   = "merge.abandon"
	opGetMerge  = "merge.get_merge"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// BranchStore is the slice of the history service the merge engine needs.
type BranchStore interface {
	GetBranch(ctx context.Context, branchID string) (history.Branch, error)
	HeadVersion(ctx context.Context, branchID string) (history.Version, error)
	CommitVersion(ctx context.Context, request history.CommitRequest) (history.Version, error)
}

// IDProvider issues identifiers for merge events and conflicts.
type IDProvider interface {
	NewID() (string, error)
}

// EngineConfig describes the dependencies required by the merge engine.
type EngineConfig struct {
	Database   *gorm.DB
	Branches   BranchStore
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Engine merges one branch into another and tracks conflict resolution.
// Merges for the same branch pair are serialized.
type Engine struct {
	db         *gorm.DB
	branches   BranchStore
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewEngine constructs a merge engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opEngineNew, "missing_database", errMissingDatabase)
	}
	if cfg.Branches == nil {
		return nil, newServiceError(opEngineNew, "missing_branches", errMissingBranches)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opEngineNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Engine{
		db:         cfg.Database,
		branches:   cfg.Branches,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		locks:      make(map[string]*sync.Mutex),
	}, nil
}

// Preview diffs the source head against the target head without touching any
// state.
func (e *Engine) Preview(ctx context.Context, sourceBranchID, targetBranchID string) (Summary, error) {
	source, target, err := e.resolvePair(ctx, opPreview, sourceBranchID, targetBranchID)
	if err != nil {
		return Summary{}, err
	}
	return Diff(target.Content, source.Content), nil
}

// MergeRequest describes one merge attempt.
type MergeRequest struct {
	SourceBranchID string
	TargetBranchID string
	Strategy       Strategy
	Initiator      string
	InitiatorRole  auth.Role
}

// MergeOutcome is a merge event together with its open conflicts.
type MergeOutcome struct {
	Event     MergeEvent
	Conflicts []MergeConflict
}

// Merge merges the source branch head into the target branch. With
// StrategyOverwrite the target content is replaced wholesale. With
// StrategyMerge one-sided changes apply automatically and modifications
// become conflict rows awaiting resolution.
func (e *Engine) Merge(ctx context.Context, request MergeRequest) (MergeOutcome, error) {
	if _, err := ParseStrategy(string(request.Strategy)); err != nil {
		return MergeOutcome{}, newServiceError(opMerge, "invalid_strategy", ErrInvalidMergeRequest)
	}

	unlock := e.lockPair(request.SourceBranchID, request.TargetBranchID)
	defer unlock()

	source, target, err := e.resolvePair(ctx, opMerge, request.SourceBranchID, request.TargetBranchID)
	if err != nil {
		return MergeOutcome{}, err
	}

	now := e.clock().UTC().Unix()
	mergeID, err := e.idProvider.NewID()
	if err != nil {
		return MergeOutcome{}, newServiceError(opMerge, "id_generation_failed", err)
	}
	event := MergeEvent{
		MergeID:          mergeID,
		DocumentID:       source.DocumentID,
		SourceBranchID:   request.SourceBranchID,
		TargetBranchID:   request.TargetBranchID,
		Strategy:         string(request.Strategy),
		Status:           string(StatusPending),
		InitiatedBy:      request.Initiator,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}

	if request.Strategy == StrategyOverwrite {
		committed, err := e.branches.CommitVersion(ctx, history.CommitRequest{
			BranchID:  request.TargetBranchID,
			Content:   source.Content,
			Message:   fmt.Sprintf("Merge branch %s (overwrite)", request.SourceBranchID),
			Actor:     request.Initiator,
			ActorRole: request.InitiatorRole,
		})
		if err != nil {
			return MergeOutcome{}, err
		}
		event.Status = string(StatusCompleted)
		event.ResultVersionID = &committed.VersionID
		if err := e.db.WithContext(ctx).Create(&event).Error; err != nil {
			e.logError(opMerge, "event_insert_failed", err, zap.String("merge_id", mergeID))
			return MergeOutcome{}, newServiceError(opMerge, "event_insert_failed", err)
		}
		return MergeOutcome{Event: event}, nil
	}

	summary := Diff(target.Content, source.Content)
	if len(summary.Sections) == 0 {
		// Nothing to merge; completing without a new version keeps repeated
		// merges of identical content idempotent.
		event.Status = string(StatusCompleted)
		event.ResultVersionID = &target.VersionID
		if err := e.db.WithContext(ctx).Create(&event).Error; err != nil {
			e.logError(opMerge, "event_insert_failed", err, zap.String("merge_id", mergeID))
			return MergeOutcome{}, newServiceError(opMerge, "event_insert_failed", err)
		}
		return MergeOutcome{Event: event}, nil
	}

	skeleton, conflicts, err := e.buildSkeleton(mergeID, target.Content, source.Content, summary, now)
	if err != nil {
		return MergeOutcome{}, err
	}

	if len(conflicts) == 0 {
		content, err := assemble(skeleton, nil)
		if err != nil {
			e.logError(opMerge, "assemble_failed", err, zap.String("merge_id", mergeID))
			return MergeOutcome{}, newServiceError(opMerge, "assemble_failed", err)
		}
		committed, err := e.branches.CommitVersion(ctx, history.CommitRequest{
			BranchID:  request.TargetBranchID,
			Content:   content,
			Message:   fmt.Sprintf("Merge branch %s", request.SourceBranchID),
			Actor:     request.Initiator,
			ActorRole: request.InitiatorRole,
		})
		if err != nil {
			return MergeOutcome{}, err
		}
		event.Status = string(StatusCompleted)
		event.ResultVersionID = &committed.VersionID
		if err := e.db.WithContext(ctx).Create(&event).Error; err != nil {
			e.logError(opMerge, "event_insert_failed", err, zap.String("merge_id", mergeID))
			return MergeOutcome{}, newServiceError(opMerge, "event_insert_failed", err)
		}
		return MergeOutcome{Event: event}, nil
	}

	mergedJSON, err := json.Marshal(skeleton)
	if err != nil {
		e.logError(opMerge, "skeleton_marshal_failed", err, zap.String("merge_id", mergeID))
		return MergeOutcome{}, newServiceError(opMerge, "skeleton_marshal_failed", err)
	}
	event.Status = string(StatusConflicted)
	event.MergedJSON = string(mergedJSON)

	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&event).Error; err != nil {
			e.logError(opMerge, "event_insert_failed", err, zap.String("merge_id", mergeID))
			return newServiceError(opMerge, "event_insert_failed", err)
		}
		if err := tx.Create(&conflicts).Error; err != nil {
			e.logError(opMerge, "conflict_insert_failed", err, zap.String("merge_id", mergeID))
			return newServiceError(opMerge, "conflict_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return MergeOutcome{}, txErr
	}
	return MergeOutcome{Event: event, Conflicts: conflicts}, nil
}

// ConflictResolution settles one conflict of a merge event.
type ConflictResolution struct {
	ConflictID string
	Resolution Resolution
	ManualText string
}

// ResolveRequest carries a batch of conflict resolutions.
type ResolveRequest struct {
	MergeID     string
	Resolutions []ConflictResolution
	Actor       string
	ActorRole   auth.Role
}

// Resolve applies a batch of resolutions. The merge completes, and the merged
// document is committed to the target branch, only once every conflict has a
// resolution.
func (e *Engine) Resolve(ctx context.Context, request ResolveRequest) (MergeOutcome, error) {
	event, conflicts, err := e.loadMerge(ctx, opResolve, request.MergeID)
	if err != nil {
		return MergeOutcome{}, err
	}
	if event.Status != string(StatusConflicted) {
		return MergeOutcome{}, newServiceError(opResolve, "merge_closed", ErrMergeClosed)
	}

	byID := make(map[string]*MergeConflict, len(conflicts))
	for index := range conflicts {
		byID[conflicts[index].ConflictID] = &conflicts[index]
	}

	now := e.clock().UTC().Unix()
	for _, resolution := range request.Resolutions {
		conflict, ok := byID[resolution.ConflictID]
		if !ok {
			return MergeOutcome{}, newServiceError(opResolve, "conflict_missing", ErrConflictNotFound)
		}
		if _, err := ParseResolution(string(resolution.Resolution)); err != nil {
			return MergeOutcome{}, newServiceError(opResolve, "invalid_resolution", ErrInvalidResolution)
		}
		resolved := string(resolution.Resolution)
		text := ""
		if resolution.Resolution == ResolutionManual {
			text = strings.TrimSpace(resolution.ManualText)
			if text == "" {
				return MergeOutcome{}, newServiceError(opResolve, "empty_manual_text", ErrInvalidResolution)
			}
		}
		conflict.Resolution = &resolved
		conflict.ResolvedText = text
		conflict.ResolvedBy = request.Actor
		conflict.ResolvedAtSeconds = now
	}

	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for index := range conflicts {
			if err := tx.Save(&conflicts[index]).Error; err != nil {
				e.logError(opResolve, "conflict_save_failed", err,
					zap.String("merge_id", request.MergeID))
				return newServiceError(opResolve, "conflict_save_failed", err)
			}
		}
		return nil
	})
	if txErr != nil {
		return MergeOutcome{}, txErr
	}

	for _, conflict := range conflicts {
		if conflict.Resolution == nil {
			return MergeOutcome{Event: event, Conflicts: conflicts}, nil
		}
	}

	var skeleton []mergedLine
	if err := json.Unmarshal([]byte(event.MergedJSON), &skeleton); err != nil {
		e.logError(opResolve, "skeleton_unmarshal_failed", err, zap.String("merge_id", request.MergeID))
		return MergeOutcome{}, newServiceError(opResolve, "skeleton_unmarshal_failed", err)
	}
	content, err := assemble(skeleton, byID)
	if err != nil {
		e.logError(opResolve, "assemble_failed", err, zap.String("merge_id", request.MergeID))
		return MergeOutcome{}, newServiceError(opResolve, "assemble_failed", err)
	}

	committed, err := e.branches.CommitVersion(ctx, history.CommitRequest{
		BranchID:  event.TargetBranchID,
		Content:   content,
		Message:   fmt.Sprintf("Merge branch %s (resolved)", event.SourceBranchID),
		Actor:     request.Actor,
		ActorRole: request.ActorRole,
	})
	if err != nil {
		return MergeOutcome{}, err
	}

	event.Status = string(StatusCompleted)
	event.ResultVersionID = &committed.VersionID
	event.UpdatedAtSeconds = now
	if err := e.db.WithContext(ctx).Save(&event).Error; err != nil {
		e.logError(opResolve, "event_save_failed", err, zap.String("merge_id", request.MergeID))
		return MergeOutcome{}, newServiceError(opResolve, "event_save_failed", err)
	}
	return MergeOutcome{Event: event, Conflicts: conflicts}, nil
}

// Abandon marks an open merge event failed. Closed events stay untouched.
func (e *Engine) Abandon(ctx context.Context, mergeID, actor string) (MergeEvent, error) {
	event, _, err := e.loadMerge(ctx, opAbandon, mergeID)
	if err != nil {
		return MergeEvent{}, err
	}
	if event.Status != string(StatusPending) && event.Status != string(StatusConflicted) {
		return MergeEvent{}, newServiceError(opAbandon, "merge_closed", ErrMergeClosed)
	}

	event.Status = string(StatusFailed)
	event.UpdatedAtSeconds = e.clock().UTC().Unix()
	if err := e.db.WithContext(ctx).Save(&event).Error; err != nil {
		e.logError(opAbandon, "event_save_failed", err,
			zap.String("merge_id", mergeID), zap.String("actor", actor))
		return MergeEvent{}, newServiceError(opAbandon, "event_save_failed", err)
	}
	return event, nil
}

// GetMerge returns one merge event with its conflicts.
func (e *Engine) GetMerge(ctx context.Context, mergeID string) (MergeOutcome, error) {
	event, conflicts, err := e.loadMerge(ctx, opGetMerge, mergeID)
	if err != nil {
		return MergeOutcome{}, err
	}
	return MergeOutcome{Event: event, Conflicts: conflicts}, nil
}

// resolvePair validates the branch pair and returns both head versions.
func (e *Engine) resolvePair(ctx context.Context, operation, sourceBranchID, targetBranchID string) (history.Version, history.Version, error) {
	if sourceBranchID == targetBranchID {
		return history.Version{}, history.Version{}, newServiceError(operation, "same_branch", ErrInvalidMergeRequest)
	}

	sourceBranch, err := e.branches.GetBranch(ctx, sourceBranchID)
	if errors.Is(err, history.ErrBranchNotFound) {
		return history.Version{}, history.Version{}, newServiceError(operation, "source_missing", ErrInvalidMergeRequest)
	}
	if err != nil {
		return history.Version{}, history.Version{}, err
	}
	targetBranch, err := e.branches.GetBranch(ctx, targetBranchID)
	if errors.Is(err, history.ErrBranchNotFound) {
		return history.Version{}, history.Version{}, newServiceError(operation, "target_missing", ErrInvalidMergeRequest)
	}
	if err != nil {
		return history.Version{}, history.Version{}, err
	}
	if sourceBranch.DocumentID != targetBranch.DocumentID {
		return history.Version{}, history.Version{}, newServiceError(operation, "foreign_document", ErrInvalidMergeRequest)
	}

	sourceHead, err := e.branches.HeadVersion(ctx, sourceBranchID)
	if err != nil {
		return history.Version{}, history.Version{}, err
	}
	targetHead, err := e.branches.HeadVersion(ctx, targetBranchID)
	if err != nil {
		return history.Version{}, history.Version{}, err
	}
	return sourceHead, targetHead, nil
}

// buildSkeleton walks the index-aligned lines and produces the merged line
// sequence, allocating conflict rows for modifications.
func (e *Engine) buildSkeleton(mergeID, currentContent, incomingContent string, summary Summary, now int64) ([]mergedLine, []MergeConflict, error) {
	currentLines := splitLines(currentContent)
	incomingLines := splitLines(incomingContent)
	total := len(currentLines)
	if len(incomingLines) > total {
		total = len(incomingLines)
	}

	sectionByLine := make(map[int]int)
	changeByLine := make(map[int]LineChange)
	for sectionIndex, section := range summary.Sections {
		for _, change := range section.Changes {
			sectionByLine[change.Line] = sectionIndex
			changeByLine[change.Line] = change
		}
	}

	var skeleton []mergedLine
	var conflicts []MergeConflict
	for index := 0; index < total; index++ {
		line := index + 1
		currentLine, hasCurrent := lineAt(currentLines, index)
		incomingLine, _ := lineAt(incomingLines, index)

		change, changed := changeByLine[line]
		if !changed {
			if hasCurrent {
				skeleton = append(skeleton, mergedLine{Kind: mergedLineText, Text: currentLine})
			}
			continue
		}

		switch change.Type {
		case ChangeAddition:
			skeleton = append(skeleton, mergedLine{Kind: mergedLineText, Text: incomingLine})
		case ChangeDeletion:
			// The incoming side removed this line.
		case ChangeModification:
			conflictID, err := e.idProvider.NewID()
			if err != nil {
				return nil, nil, newServiceError(opMerge, "id_generation_failed", err)
			}
			conflicts = append(conflicts, MergeConflict{
				ConflictID:      conflictID,
				MergeID:         mergeID,
				Section:         sectionByLine[line],
				LineNumber:      line,
				CurrentContent:  change.Current,
				IncomingContent: change.Incoming,
			})
			skeleton = append(skeleton, mergedLine{Kind: mergedLineConflict, ConflictID: conflictID})
		}
	}
	return skeleton, conflicts, nil
}

// assemble rebuilds the document from the skeleton, substituting resolved
// conflicts in their original line positions.
func assemble(skeleton []mergedLine, conflicts map[string]*MergeConflict) (string, error) {
	lines := make([]string, 0, len(skeleton))
	for _, entry := range skeleton {
		switch entry.Kind {
		case mergedLineText:
			lines = append(lines, entry.Text)
		case mergedLineConflict:
			conflict, ok := conflicts[entry.ConflictID]
			if !ok || conflict.Resolution == nil {
				return "", fmt.Errorf("unresolved conflict %s", entry.ConflictID)
			}
			switch Resolution(*conflict.Resolution) {
			case ResolutionCurrent:
				lines = append(lines, conflict.CurrentContent)
			case ResolutionIncoming:
				lines = append(lines, conflict.IncomingContent)
			case ResolutionBoth:
				lines = append(lines, conflict.CurrentContent+"\n\n"+conflict.IncomingContent)
			case ResolutionManual:
				lines = append(lines, conflict.ResolvedText)
			default:
				return "", fmt.Errorf("unknown resolution %q", *conflict.Resolution)
			}
		default:
			return "", fmt.Errorf("unknown skeleton entry %q", entry.Kind)
		}
	}
	return strings.Join(lines, "\n"), nil
}

func (e *Engine) loadMerge(ctx context.Context, operation, mergeID string) (MergeEvent, []MergeConflict, error) {
	var event MergeEvent
	err := e.db.WithContext(ctx).Where("merge_id = ?", mergeID).Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return MergeEvent{}, nil, newServiceError(operation, "merge_missing", ErrMergeNotFound)
	}
	if err != nil {
		e.logError(operation, "merge_select_failed", err, zap.String("merge_id", mergeID))
		return MergeEvent{}, nil, newServiceError(operation, "merge_select_failed", err)
	}

	var conflicts []MergeConflict
	if err := e.db.WithContext(ctx).
		Where("merge_id = ?", mergeID).
		Order("line_number ASC").
		Find(&conflicts).Error; err != nil {
		e.logError(operation, "conflict_query_failed", err, zap.String("merge_id", mergeID))
		return MergeEvent{}, nil, newServiceError(operation, "conflict_query_failed", err)
	}
	return event, conflicts, nil
}

// lockPair serializes merges touching the same branch pair in either
// direction.
func (e *Engine) lockPair(sourceBranchID, targetBranchID string) func() {
	first, second := sourceBranchID, targetBranchID
	if second < first {
		first, second = second, first
	}
	key := first + "\x00" + second

	e.locksMu.Lock()
	lock, ok := e.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[key] = lock
	}
	e.locksMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func (e *Engine) loggerOrDefault() *zap.Logger {
	if e == nil || e.logger == nil {
		return noOpLogger
	}
	return e.logger
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.loggerOrDefault().Error("merge engine error", attrs...)
}
