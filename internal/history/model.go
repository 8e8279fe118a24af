package history

import (
	"errors"
	"fmt"
	"strings"
)

const (
	maxIdentifierLength = 190
	maxBranchNameLength = 120
)

var (
	// ErrInvalidBranchName indicates that a branch name is empty or exceeds storage bounds.
	ErrInvalidBranchName = errors.New("history: invalid branch name")
	// ErrBranchNotFound indicates that a branch identifier resolves to nothing.
	ErrBranchNotFound = errors.New("history: branch not found")
	// ErrVersionNotFound indicates that a version identifier resolves to nothing.
	ErrVersionNotFound = errors.New("history: version not found")
	// ErrNameConflict indicates that the branch name is already taken on the document.
	ErrNameConflict = errors.New("history: branch name already in use")
	// ErrInvalidParent indicates a missing parent branch or one on another document.
	ErrInvalidParent = errors.New("history: invalid parent branch")
	// ErrBranchProtected indicates a write to a protected branch by a non-owner.
	ErrBranchProtected = errors.New("history: branch is protected")
	// ErrDefaultBranchUndeletable indicates an attempt to delete the default branch.
	ErrDefaultBranchUndeletable = errors.New("history: default branch cannot be deleted")
)

// BranchName represents a validated branch name.
type BranchName string

// NewBranchName validates raw input and returns a BranchName.
func NewBranchName(rawInput string) (BranchName, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBranchName)
	}
	if len(trimmed) > maxBranchNameLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidBranchName, maxBranchNameLength)
	}
	return BranchName(trimmed), nil
}

// String returns the underlying branch name.
func (n BranchName) String() string {
	return string(n)
}

// Branch models one named line of document history.
type Branch struct {
	BranchID         string  `gorm:"column:branch_id;primaryKey;size:190;not null"`
	DocumentID       string  `gorm:"column:document_id;size:190;not null;index:idx_branches_doc_name,unique,priority:1"`
	Name             string  `gorm:"column:name;size:120;not null;index:idx_branches_doc_name,unique,priority:2"`
	Description      string  `gorm:"column:description;type:text;not null;default:''"`
	ParentBranchID   *string `gorm:"column:parent_branch_id;size:190"`
	IsDefault        bool    `gorm:"column:is_default;not null;default:false"`
	Protected        bool    `gorm:"column:protected;not null;default:false"`
	CreatedBy        string  `gorm:"column:created_by;size:190;not null"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Branch) TableName() string {
	return "branches"
}

// Version models one immutable snapshot on a branch. Rows are append-only;
// rollback appends rather than rewrites.
type Version struct {
	VersionID        string  `gorm:"column:version_id;primaryKey;size:190;not null"`
	DocumentID       string  `gorm:"column:document_id;size:190;not null"`
	BranchID         string  `gorm:"column:branch_id;size:190;not null;index:idx_versions_branch_number,unique,priority:1"`
	Number           int64   `gorm:"column:number;not null;index:idx_versions_branch_number,unique,priority:2"`
	ParentVersionID  *string `gorm:"column:parent_version_id;size:190"`
	Content          string  `gorm:"column:content;type:text;not null"`
	Message          string  `gorm:"column:message;size:500;not null;default:''"`
	WordCount        int64   `gorm:"column:word_count;not null"`
	CharacterCount   int64   `gorm:"column:character_count;not null"`
	CreatedBy        string  `gorm:"column:created_by;size:190;not null"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Version) TableName() string {
	return "versions"
}

// countWords reports whitespace-separated word and rune counts for content.
func countWords(content string) (words int64, characters int64) {
	return int64(len(strings.Fields(content))), int64(len([]rune(content)))
}
