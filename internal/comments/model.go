package comments

import "errors"

var (
	// ErrInvalidComment indicates empty comment content.
	ErrInvalidComment = errors.New("comments: invalid comment")
	// ErrCommentNotFound indicates that a comment identifier resolves to nothing.
	ErrCommentNotFound = errors.New("comments: comment not found")
	// ErrInvalidThread indicates a reply to a reply, a cross-document reply,
	// or a reply to a resolved thread.
	ErrInvalidThread = errors.New("comments: invalid thread")
	// ErrNotAuthorized indicates an actor without rights over the comment.
	ErrNotAuthorized = errors.New("comments: not authorized")
	// ErrInvalidFilter indicates an unknown thread filter value.
	ErrInvalidFilter = errors.New("comments: invalid thread filter")
)

// ThreadFilter restricts ListThreads output.
type ThreadFilter string

const (
	// FilterAll returns every thread.
	FilterAll ThreadFilter = "all"
	// FilterOpen returns unresolved threads only.
	FilterOpen ThreadFilter = "open"
	// FilterResolved returns resolved threads only.
	FilterResolved ThreadFilter = "resolved"
)

// ParseThreadFilter validates a raw filter value. Empty input means all.
func ParseThreadFilter(rawInput string) (ThreadFilter, error) {
	switch ThreadFilter(rawInput) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterOpen, FilterResolved:
		return ThreadFilter(rawInput), nil
	default:
		return "", ErrInvalidFilter
	}
}

// Comment models one comment or reply. Threads are at most two levels deep:
// roots and their direct replies. Anchor ranges are snapshots taken at
// creation time and are never re-anchored as the document changes.
type Comment struct {
	CommentID        string  `gorm:"column:comment_id;primaryKey;size:190;not null"`
	DocumentID       string  `gorm:"column:document_id;size:190;not null;index:idx_comments_document"`
	AuthorID         string  `gorm:"column:author_id;size:190;not null"`
	AuthorName       string  `gorm:"column:author_name;size:190;not null;default:''"`
	ParentID         *string `gorm:"column:parent_id;size:190;index:idx_comments_parent"`
	Content          string  `gorm:"column:content;type:text;not null"`
	RangeStart       *int64  `gorm:"column:range_start"`
	RangeEnd         *int64  `gorm:"column:range_end"`
	Resolved         bool    `gorm:"column:resolved;not null;default:false"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Comment) TableName() string {
	return "comments"
}

// Thread is a root comment with its replies in creation order.
type Thread struct {
	Root    Comment
	Replies []Comment
}
