package comments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LoomLabsHQ/loom/backend/internal/auth"
	"github.com/LoomLabsHQ/loom/backend/internal/document"
	"github.com/LoomLabsHQ/loom/backend/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingActor      = errors.New("actor identifier is required")
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
	opServiceNew  = "comments.service.new"
	opAdd         = "comments.add"
	opEdit        = "comments.edit"
	opDelete      = "comments.delete"
	opResolve     = "comments.resolve"
	opReopen      = "comments.reopen"
	opListThreads = "comments.list_threads"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for new comments.
type IDProvider interface {
	NewID() (string, error)
}

// EventPublisher pushes comment-change notifications to live sessions.
type EventPublisher interface {
	Publish(event realtime.CommentEvent)
}

// ServiceConfig describes the dependencies required by the comment service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Publisher  EventPublisher
	Logger     *zap.Logger
}

// Service owns anchored comments and their threads.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	publisher  EventPublisher
	logger     *zap.Logger
}

// NewService constructs a comment service. The publisher is optional; without
// one, mutations are silent.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		publisher:  cfg.Publisher,
		logger:     logger,
	}, nil
}

// AddRequest describes a new comment or reply.
type AddRequest struct {
	DocumentID document.DocumentID
	Author     string
	AuthorName string
	Content    string
	ParentID   *string
	RangeStart *int64
	RangeEnd   *int64
}

// Add creates a comment. Replies attach to root comments only and never to
// resolved threads.
func (s *Service) Add(ctx context.Context, request AddRequest) (Comment, error) {
	if request.Author == "" {
		return Comment{}, newServiceError(opAdd, "missing_actor", errMissingActor)
	}
	content := strings.TrimSpace(request.Content)
	if content == "" {
		return Comment{}, newServiceError(opAdd, "empty_content", ErrInvalidComment)
	}

	var created Comment
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if request.ParentID != nil {
			var parent Comment
			err := tx.Where("comment_id = ?", *request.ParentID).Take(&parent).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(opAdd, "parent_missing", ErrInvalidThread)
			}
			if err != nil {
				s.logError(opAdd, "parent_select_failed", err,
					zap.String("parent_id", *request.ParentID))
				return newServiceError(opAdd, "parent_select_failed", err)
			}
			if parent.ParentID != nil {
				return newServiceError(opAdd, "reply_to_reply", ErrInvalidThread)
			}
			if parent.DocumentID != request.DocumentID.String() {
				return newServiceError(opAdd, "foreign_document", ErrInvalidThread)
			}
			if parent.Resolved {
				return newServiceError(opAdd, "thread_resolved", ErrInvalidThread)
			}
		}

		commentID, err := s.idProvider.NewID()
		if err != nil {
			return newServiceError(opAdd, "id_generation_failed", err)
		}
		now := s.clock().UTC().Unix()
		created = Comment{
			CommentID:        commentID,
			DocumentID:       request.DocumentID.String(),
			AuthorID:         request.Author,
			AuthorName:       request.AuthorName,
			ParentID:         request.ParentID,
			Content:          content,
			RangeStart:       request.RangeStart,
			RangeEnd:         request.RangeEnd,
			CreatedAtSeconds: now,
			UpdatedAtSeconds: now,
		}
		if err := tx.Create(&created).Error; err != nil {
			s.logError(opAdd, "comment_insert_failed", err,
				zap.String("document_id", request.DocumentID.String()))
			return newServiceError(opAdd, "comment_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Comment{}, txErr
	}

	s.publish(request.DocumentID, created.CommentID, realtime.ControlCommentAdded)
	return created, nil
}

// Edit replaces a comment's content. Only the author may edit, and only
// while the thread is open; resolved threads must be reopened first.
func (s *Service) Edit(ctx context.Context, commentID, actor, content string) (Comment, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return Comment{}, newServiceError(opEdit, "empty_content", ErrInvalidComment)
	}

	comment, err := s.getComment(ctx, opEdit, commentID)
	if err != nil {
		return Comment{}, err
	}
	if comment.AuthorID != actor {
		return Comment{}, newServiceError(opEdit, "not_author", ErrNotAuthorized)
	}
	resolved, err := s.threadResolved(ctx, opEdit, comment)
	if err != nil {
		return Comment{}, err
	}
	if resolved {
		return Comment{}, newServiceError(opEdit, "thread_resolved", ErrInvalidThread)
	}

	comment.Content = trimmed
	comment.UpdatedAtSeconds = s.clock().UTC().Unix()
	if err := s.db.WithContext(ctx).Save(&comment).Error; err != nil {
		s.logError(opEdit, "comment_save_failed", err, zap.String("comment_id", commentID))
		return Comment{}, newServiceError(opEdit, "comment_save_failed", err)
	}

	s.publishRaw(comment.DocumentID, comment.CommentID, realtime.ControlCommentUpdated)
	return comment, nil
}

// Delete removes a comment. Roots take their replies with them. Allowed for
// the author or any owner, and only while the thread is open.
func (s *Service) Delete(ctx context.Context, commentID, actor string, actorRole auth.Role) error {
	comment, err := s.getComment(ctx, opDelete, commentID)
	if err != nil {
		return err
	}
	if comment.AuthorID != actor && !actorRole.AtLeast(auth.RoleOwner) {
		return newServiceError(opDelete, "not_author_or_owner", ErrNotAuthorized)
	}
	resolved, err := s.threadResolved(ctx, opDelete, comment)
	if err != nil {
		return err
	}
	if resolved {
		return newServiceError(opDelete, "thread_resolved", ErrInvalidThread)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if comment.ParentID == nil {
			if err := tx.Where("parent_id = ?", comment.CommentID).Delete(&Comment{}).Error; err != nil {
				s.logError(opDelete, "replies_delete_failed", err, zap.String("comment_id", commentID))
				return newServiceError(opDelete, "replies_delete_failed", err)
			}
		}
		if err := tx.Where("comment_id = ?", comment.CommentID).Delete(&Comment{}).Error; err != nil {
			s.logError(opDelete, "comment_delete_failed", err, zap.String("comment_id", commentID))
			return newServiceError(opDelete, "comment_delete_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return txErr
	}

	s.publishRaw(comment.DocumentID, comment.CommentID, realtime.ControlCommentUpdated)
	return nil
}

// Resolve marks a thread resolved. The target must be a root comment and the
// actor at least a commenter.
func (s *Service) Resolve(ctx context.Context, commentID, actor string, actorRole auth.Role) (Comment, error) {
	return s.setResolved(ctx, opResolve, commentID, actor, actorRole, true)
}

// Reopen clears a thread's resolved flag.
func (s *Service) Reopen(ctx context.Context, commentID, actor string, actorRole auth.Role) (Comment, error) {
	return s.setResolved(ctx, opReopen, commentID, actor, actorRole, false)
}

func (s *Service) setResolved(ctx context.Context, operation, commentID, actor string, actorRole auth.Role, resolved bool) (Comment, error) {
	if !actorRole.AtLeast(auth.RoleCommenter) {
		return Comment{}, newServiceError(operation, "role_too_low", ErrNotAuthorized)
	}

	comment, err := s.getComment(ctx, operation, commentID)
	if err != nil {
		return Comment{}, err
	}
	if comment.ParentID != nil {
		return Comment{}, newServiceError(operation, "not_a_root", ErrInvalidThread)
	}

	comment.Resolved = resolved
	comment.UpdatedAtSeconds = s.clock().UTC().Unix()
	if err := s.db.WithContext(ctx).Save(&comment).Error; err != nil {
		s.logError(operation, "comment_save_failed", err,
			zap.String("comment_id", commentID), zap.String("actor", actor))
		return Comment{}, newServiceError(operation, "comment_save_failed", err)
	}

	s.publishRaw(comment.DocumentID, comment.CommentID, realtime.ControlCommentUpdated)
	return comment, nil
}

// ListThreads returns the document's threads, oldest root first, replies in
// creation order.
func (s *Service) ListThreads(ctx context.Context, documentID document.DocumentID, filter ThreadFilter) ([]Thread, error) {
	var all []Comment
	if err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID.String()).
		Order("created_at_s ASC, comment_id ASC").
		Find(&all).Error; err != nil {
		s.logError(opListThreads, "query_failed", err,
			zap.String("document_id", documentID.String()))
		return nil, newServiceError(opListThreads, "query_failed", err)
	}

	repliesByRoot := make(map[string][]Comment)
	var roots []Comment
	for _, comment := range all {
		if comment.ParentID == nil {
			roots = append(roots, comment)
			continue
		}
		repliesByRoot[*comment.ParentID] = append(repliesByRoot[*comment.ParentID], comment)
	}

	var threads []Thread
	for _, root := range roots {
		switch filter {
		case FilterOpen:
			if root.Resolved {
				continue
			}
		case FilterResolved:
			if !root.Resolved {
				continue
			}
		}
		threads = append(threads, Thread{Root: root, Replies: repliesByRoot[root.CommentID]})
	}
	return threads, nil
}

// threadResolved reports whether the comment's thread root is resolved.
func (s *Service) threadResolved(ctx context.Context, operation string, comment Comment) (bool, error) {
	if comment.ParentID == nil {
		return comment.Resolved, nil
	}
	root, err := s.getComment(ctx, operation, *comment.ParentID)
	if err != nil {
		return false, err
	}
	return root.Resolved, nil
}

func (s *Service) getComment(ctx context.Context, operation, commentID string) (Comment, error) {
	var comment Comment
	err := s.db.WithContext(ctx).Where("comment_id = ?", commentID).Take(&comment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Comment{}, newServiceError(operation, "comment_missing", ErrCommentNotFound)
	}
	if err != nil {
		s.logError(operation, "comment_select_failed", err, zap.String("comment_id", commentID))
		return Comment{}, newServiceError(operation, "comment_select_failed", err)
	}
	return comment, nil
}

func (s *Service) publish(documentID document.DocumentID, commentID string, eventType realtime.ControlType) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(realtime.CommentEvent{
		DocumentID: documentID,
		CommentID:  commentID,
		Type:       eventType,
		Timestamp:  s.clock().UTC(),
	})
}

func (s *Service) publishRaw(documentID, commentID string, eventType realtime.ControlType) {
	docID, err := document.NewDocumentID(documentID)
	if err != nil {
		return
	}
	s.publish(docID, commentID, eventType)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("comments service error", attrs...)
}
