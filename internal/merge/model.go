package merge

import "errors"

var (
	// ErrInvalidMergeRequest indicates a same-branch merge, an unknown branch,
	// or branches on different documents.
	ErrInvalidMergeRequest = errors.New("merge: invalid merge request")
	// ErrMergeNotFound indicates that a merge event identifier resolves to nothing.
	ErrMergeNotFound = errors.New("merge: merge event not found")
	// ErrConflictNotFound indicates an unknown conflict identifier in a resolution batch.
	ErrConflictNotFound = errors.New("merge: conflict not found")
	// ErrInvalidResolution indicates an unknown resolution kind or empty manual text.
	ErrInvalidResolution = errors.New("merge: invalid resolution")
	// ErrMergeClosed indicates a mutation against a completed or failed merge event.
	ErrMergeClosed = errors.New("merge: merge event is closed")
)

// Status enumerates merge event lifecycle states.
type Status string

const (
	// StatusPending marks a merge that has started but not yet settled.
	StatusPending Status = "pending"
	// StatusCompleted marks a merge whose result has been committed.
	StatusCompleted Status = "completed"
	// StatusConflicted marks a merge waiting for conflict resolutions.
	StatusConflicted Status = "conflicted"
	// StatusFailed marks an abandoned or failed merge.
	StatusFailed Status = "failed"
)

// Strategy enumerates supported merge strategies.
type Strategy string

const (
	// StrategyOverwrite replaces the target content with the source content.
	StrategyOverwrite Strategy = "overwrite"
	// StrategyMerge applies one-sided changes and surfaces modifications as conflicts.
	StrategyMerge Strategy = "merge"
)

// ParseStrategy validates a raw strategy value.
func ParseStrategy(rawInput string) (Strategy, error) {
	switch Strategy(rawInput) {
	case StrategyOverwrite, StrategyMerge:
		return Strategy(rawInput), nil
	default:
		return "", ErrInvalidMergeRequest
	}
}

// Resolution enumerates how one conflict is settled.
type Resolution string

const (
	// ResolutionCurrent keeps the target branch's line.
	ResolutionCurrent Resolution = "current"
	// ResolutionIncoming takes the source branch's line.
	ResolutionIncoming Resolution = "incoming"
	// ResolutionBoth keeps both lines separated by a blank line.
	ResolutionBoth Resolution = "both"
	// ResolutionManual substitutes caller-provided text.
	ResolutionManual Resolution = "manual"
)

// ParseResolution validates a raw resolution value.
func ParseResolution(rawInput string) (Resolution, error) {
	switch Resolution(rawInput) {
	case ResolutionCurrent, ResolutionIncoming, ResolutionBoth, ResolutionManual:
		return Resolution(rawInput), nil
	default:
		return "", ErrInvalidResolution
	}
}

// MergeEvent records one merge attempt and its outcome.
type MergeEvent struct {
	MergeID          string  `gorm:"column:merge_id;primaryKey;size:190;not null"`
	DocumentID       string  `gorm:"column:document_id;size:190;not null;index:idx_merges_document"`
	SourceBranchID   string  `gorm:"column:source_branch_id;size:190;not null"`
	TargetBranchID   string  `gorm:"column:target_branch_id;size:190;not null"`
	Strategy         string  `gorm:"column:strategy;size:32;not null"`
	Status           string  `gorm:"column:status;size:32;not null"`
	MergedJSON       string  `gorm:"column:merged_json;type:text;not null;default:''"`
	ResultVersionID  *string `gorm:"column:result_version_id;size:190"`
	InitiatedBy      string  `gorm:"column:initiated_by;size:190;not null"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (MergeEvent) TableName() string {
	return "merge_events"
}

// MergeConflict records one unresolved modification inside a merge event.
type MergeConflict struct {
	ConflictID        string  `gorm:"column:conflict_id;primaryKey;size:190;not null"`
	MergeID           string  `gorm:"column:merge_id;size:190;not null;index:idx_conflicts_merge"`
	Section           int     `gorm:"column:section;not null"`
	LineNumber        int     `gorm:"column:line_number;not null"`
	CurrentContent    string  `gorm:"column:current_content;type:text;not null"`
	IncomingContent   string  `gorm:"column:incoming_content;type:text;not null"`
	Resolution        *string `gorm:"column:resolution;size:32"`
	ResolvedText      string  `gorm:"column:resolved_text;type:text;not null;default:''"`
	ResolvedBy        string  `gorm:"column:resolved_by;size:190;not null;default:''"`
	ResolvedAtSeconds int64   `gorm:"column:resolved_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (MergeConflict) TableName() string {
	return "merge_conflicts"
}

// mergedLine is one entry of the serialized merge skeleton: either settled
// text or a placeholder pointing at a conflict row.
type mergedLine struct {
	Kind       string `json:"kind"`
	Text       string `json:"text,omitempty"`
	ConflictID string `json:"conflictId,omitempty"`
}

const (
	mergedLineText     = "text"
	mergedLineConflict = "conflict"
)
