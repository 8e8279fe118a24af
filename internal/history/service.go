package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LoomLabsHQ/loom/backend/internal/auth"
	"github.com/LoomLabsHQ/loom/backend/internal/document"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
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
	opServiceNew    = "history.service.new"
	opCreateBranch  = "history.create_branch"
	opCommitVersion = "history.commit_version"
	opSwitchBranch  = "history.switch_branch"
	opRollback      = "history.rollback"
	opDeleteBranch  = "history.delete_branch"
	opListBranches  = "history.list_branches"
	opListVersions  = "history.list_versions"
	opUpdateBranch  = "history.update_branch"
	opGetBranch     = "history.get_branch"
	opGetVersion    = "history.get_version"
	opHeadVersion   = "history.head_version"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for new branches and versions.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies required by the history service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service owns branch and version history. Versions are append-only; nothing
// the service does rewrites an existing row.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs a history service.
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
		logger:     logger,
	}, nil
}

// CreateBranchRequest describes a new branch. When ParentBranchID is set the
// branch starts from the parent's head (or BaseVersionID when given);
// otherwise it starts empty.
type CreateBranchRequest struct {
	DocumentID     document.DocumentID
	Name           BranchName
	Description    string
	ParentBranchID *string
	BaseVersionID  *string
	Actor          string
}

// CreateBranch creates a branch and seeds its first version. The first branch
// created on a document becomes the document's default branch.
func (s *Service) CreateBranch(ctx context.Context, request CreateBranchRequest) (Branch, error) {
	if request.Actor == "" {
		return Branch{}, newServiceError(opCreateBranch, "missing_actor", errMissingActor)
	}

	var created Branch
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conflicting int64
		if err := tx.Model(&Branch{}).
			Where("document_id = ? AND name = ?", request.DocumentID.String(), request.Name.String()).
			Count(&conflicting).Error; err != nil {
			s.logError(opCreateBranch, "conflict_check_failed", err,
				zap.String("document_id", request.DocumentID.String()))
			return newServiceError(opCreateBranch, "conflict_check_failed", err)
		}
		if conflicting > 0 {
			return newServiceError(opCreateBranch, "name_conflict", ErrNameConflict)
		}

		baseContent := ""
		if request.ParentBranchID != nil {
			parent, err := s.branchForUpdate(tx, *request.ParentBranchID)
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(opCreateBranch, "parent_missing", ErrInvalidParent)
			}
			if err != nil {
				s.logError(opCreateBranch, "parent_select_failed", err,
					zap.String("parent_branch_id", *request.ParentBranchID))
				return newServiceError(opCreateBranch, "parent_select_failed", err)
			}
			if parent.DocumentID != request.DocumentID.String() {
				return newServiceError(opCreateBranch, "parent_foreign_document", ErrInvalidParent)
			}

			if request.BaseVersionID != nil {
				var base Version
				err := tx.Where("version_id = ? AND branch_id = ?", *request.BaseVersionID, parent.BranchID).
					Take(&base).Error
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return newServiceError(opCreateBranch, "base_version_missing", ErrVersionNotFound)
				}
				if err != nil {
					s.logError(opCreateBranch, "base_select_failed", err,
						zap.String("base_version_id", *request.BaseVersionID))
					return newServiceError(opCreateBranch, "base_select_failed", err)
				}
				baseContent = base.Content
			} else {
				head, err := s.headForUpdate(tx, parent.BranchID)
				if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
					s.logError(opCreateBranch, "parent_head_failed", err,
						zap.String("parent_branch_id", parent.BranchID))
					return newServiceError(opCreateBranch, "parent_head_failed", err)
				}
				if err == nil {
					baseContent = head.Content
				}
			}
		}

		var existing int64
		if err := tx.Model(&Branch{}).
			Where("document_id = ?", request.DocumentID.String()).
			Count(&existing).Error; err != nil {
			s.logError(opCreateBranch, "default_check_failed", err,
				zap.String("document_id", request.DocumentID.String()))
			return newServiceError(opCreateBranch, "default_check_failed", err)
		}

		branchID, err := s.idProvider.NewID()
		if err != nil {
			return newServiceError(opCreateBranch, "id_generation_failed", err)
		}
		now := s.clock().UTC().Unix()
		created = Branch{
			BranchID:         branchID,
			DocumentID:       request.DocumentID.String(),
			Name:             request.Name.String(),
			Description:      request.Description,
			ParentBranchID:   request.ParentBranchID,
			IsDefault:        existing == 0,
			CreatedBy:        request.Actor,
			CreatedAtSeconds: now,
			UpdatedAtSeconds: now,
		}
		if err := tx.Create(&created).Error; err != nil {
			s.logError(opCreateBranch, "branch_insert_failed", err,
				zap.String("document_id", request.DocumentID.String()))
			return newServiceError(opCreateBranch, "branch_insert_failed", err)
		}

		message := "Initial version"
		if request.ParentBranchID != nil {
			message = fmt.Sprintf("Branched from %s", *request.ParentBranchID)
		}
		if _, err := s.appendVersion(tx, created, baseContent, message, request.Actor); err != nil {
			return err
		}
		return nil
	})
	if txErr != nil {
		return Branch{}, txErr
	}
	return created, nil
}

// CommitRequest describes one new version on a branch.
type CommitRequest struct {
	BranchID  string
	Content   string
	Message   string
	Actor     string
	ActorRole auth.Role
}

// CommitVersion appends the next version on the branch. Numbers are allocated
// inside the transaction so concurrent commits never collide.
func (s *Service) CommitVersion(ctx context.Context, request CommitRequest) (Version, error) {
	if request.Actor == "" {
		return Version{}, newServiceError(opCommitVersion, "missing_actor", errMissingActor)
	}

	var committed Version
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		branch, err := s.branchForUpdate(tx, request.BranchID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opCommitVersion, "branch_missing", ErrBranchNotFound)
		}
		if err != nil {
			s.logError(opCommitVersion, "branch_select_failed", err,
				zap.String("branch_id", request.BranchID))
			return newServiceError(opCommitVersion, "branch_select_failed", err)
		}
		if branch.Protected && !request.ActorRole.AtLeast(auth.RoleOwner) {
			return newServiceError(opCommitVersion, "branch_protected", ErrBranchProtected)
		}

		committed, err = s.appendVersion(tx, branch, request.Content, request.Message, request.Actor)
		if err != nil {
			return err
		}
		return tx.Model(&Branch{}).
			Where("branch_id = ?", branch.BranchID).
			Update("updated_at_s", s.clock().UTC().Unix()).Error
	})
	if txErr != nil {
		return Version{}, txErr
	}
	return committed, nil
}

// SwitchBranch resolves the head version of the branch for the caller to load
// into the live document. The branch must belong to the document.
func (s *Service) SwitchBranch(ctx context.Context, documentID document.DocumentID, branchID string) (Version, error) {
	var branch Branch
	err := s.db.WithContext(ctx).
		Where("branch_id = ? AND document_id = ?", branchID, documentID.String()).
		Take(&branch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Version{}, newServiceError(opSwitchBranch, "branch_missing", ErrBranchNotFound)
	}
	if err != nil {
		s.logError(opSwitchBranch, "branch_select_failed", err, zap.String("branch_id", branchID))
		return Version{}, newServiceError(opSwitchBranch, "branch_select_failed", err)
	}
	return s.HeadVersion(ctx, branchID)
}

// RollbackRequest describes a rollback to an earlier version.
type RollbackRequest struct {
	VersionID string
	Actor     string
	ActorRole auth.Role
}

// Rollback appends a new version carrying the target version's content onto
// the target's branch. Existing rows are never rewritten.
func (s *Service) Rollback(ctx context.Context, request RollbackRequest) (Version, error) {
	if request.Actor == "" {
		return Version{}, newServiceError(opRollback, "missing_actor", errMissingActor)
	}

	var committed Version
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var target Version
		err := tx.Where("version_id = ?", request.VersionID).Take(&target).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opRollback, "version_missing", ErrVersionNotFound)
		}
		if err != nil {
			s.logError(opRollback, "version_select_failed", err,
				zap.String("version_id", request.VersionID))
			return newServiceError(opRollback, "version_select_failed", err)
		}

		branch, err := s.branchForUpdate(tx, target.BranchID)
		if err != nil {
			s.logError(opRollback, "branch_select_failed", err,
				zap.String("branch_id", target.BranchID))
			return newServiceError(opRollback, "branch_select_failed", err)
		}
		if branch.Protected && !request.ActorRole.AtLeast(auth.RoleOwner) {
			return newServiceError(opRollback, "branch_protected", ErrBranchProtected)
		}

		message := fmt.Sprintf("Rollback to version %d", target.Number)
		committed, err = s.appendVersion(tx, branch, target.Content, message, request.Actor)
		return err
	})
	if txErr != nil {
		return Version{}, txErr
	}
	return committed, nil
}

// DeleteBranch removes a branch and its versions. The default branch is never
// deletable; protected branches require the owner role.
func (s *Service) DeleteBranch(ctx context.Context, branchID string, actorRole auth.Role) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		branch, err := s.branchForUpdate(tx, branchID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opDeleteBranch, "branch_missing", ErrBranchNotFound)
		}
		if err != nil {
			s.logError(opDeleteBranch, "branch_select_failed", err, zap.String("branch_id", branchID))
			return newServiceError(opDeleteBranch, "branch_select_failed", err)
		}
		if branch.IsDefault {
			return newServiceError(opDeleteBranch, "default_branch", ErrDefaultBranchUndeletable)
		}
		if branch.Protected && !actorRole.AtLeast(auth.RoleOwner) {
			return newServiceError(opDeleteBranch, "branch_protected", ErrBranchProtected)
		}

		if err := tx.Where("branch_id = ?", branchID).Delete(&Version{}).Error; err != nil {
			s.logError(opDeleteBranch, "versions_delete_failed", err, zap.String("branch_id", branchID))
			return newServiceError(opDeleteBranch, "versions_delete_failed", err)
		}
		if err := tx.Where("branch_id = ?", branchID).Delete(&Branch{}).Error; err != nil {
			s.logError(opDeleteBranch, "branch_delete_failed", err, zap.String("branch_id", branchID))
			return newServiceError(opDeleteBranch, "branch_delete_failed", err)
		}
		return nil
	})
}

// ListBranches returns every branch on the document, oldest first.
func (s *Service) ListBranches(ctx context.Context, documentID document.DocumentID) ([]Branch, error) {
	var branches []Branch
	if err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID.String()).
		Order("created_at_s ASC, branch_id ASC").
		Find(&branches).Error; err != nil {
		s.logError(opListBranches, "query_failed", err,
			zap.String("document_id", documentID.String()))
		return nil, newServiceError(opListBranches, "query_failed", err)
	}
	return branches, nil
}

// ListVersions returns the branch's versions, newest first.
func (s *Service) ListVersions(ctx context.Context, branchID string) ([]Version, error) {
	branch, err := s.GetBranch(ctx, branchID)
	if err != nil {
		return nil, err
	}

	var versions []Version
	if err := s.db.WithContext(ctx).
		Where("branch_id = ?", branch.BranchID).
		Order("number DESC").
		Find(&versions).Error; err != nil {
		s.logError(opListVersions, "query_failed", err, zap.String("branch_id", branchID))
		return nil, newServiceError(opListVersions, "query_failed", err)
	}
	return versions, nil
}

// UpdateBranchRequest carries the mutable branch fields. Nil fields are left
// untouched.
type UpdateBranchRequest struct {
	BranchID    string
	Name        *BranchName
	Description *string
	Protected   *bool
	ActorRole   auth.Role
}

// UpdateBranch renames a branch or toggles its protection. Owner role only.
func (s *Service) UpdateBranch(ctx context.Context, request UpdateBranchRequest) (Branch, error) {
	if !request.ActorRole.AtLeast(auth.RoleOwner) {
		return Branch{}, newServiceError(opUpdateBranch, "branch_protected", ErrBranchProtected)
	}

	var updated Branch
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		branch, err := s.branchForUpdate(tx, request.BranchID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpdateBranch, "branch_missing", ErrBranchNotFound)
		}
		if err != nil {
			s.logError(opUpdateBranch, "branch_select_failed", err,
				zap.String("branch_id", request.BranchID))
			return newServiceError(opUpdateBranch, "branch_select_failed", err)
		}

		if request.Name != nil && request.Name.String() != branch.Name {
			var conflicting int64
			if err := tx.Model(&Branch{}).
				Where("document_id = ? AND name = ? AND branch_id <> ?",
					branch.DocumentID, request.Name.String(), branch.BranchID).
				Count(&conflicting).Error; err != nil {
				s.logError(opUpdateBranch, "conflict_check_failed", err,
					zap.String("branch_id", request.BranchID))
				return newServiceError(opUpdateBranch, "conflict_check_failed", err)
			}
			if conflicting > 0 {
				return newServiceError(opUpdateBranch, "name_conflict", ErrNameConflict)
			}
			branch.Name = request.Name.String()
		}
		if request.Description != nil {
			branch.Description = *request.Description
		}
		if request.Protected != nil {
			branch.Protected = *request.Protected
		}
		branch.UpdatedAtSeconds = s.clock().UTC().Unix()

		if err := tx.Save(&branch).Error; err != nil {
			s.logError(opUpdateBranch, "branch_save_failed", err,
				zap.String("branch_id", request.BranchID))
			return newServiceError(opUpdateBranch, "branch_save_failed", err)
		}
		updated = branch
		return nil
	})
	if txErr != nil {
		return Branch{}, txErr
	}
	return updated, nil
}

// GetBranch resolves one branch by identifier.
func (s *Service) GetBranch(ctx context.Context, branchID string) (Branch, error) {
	var branch Branch
	err := s.db.WithContext(ctx).Where("branch_id = ?", branchID).Take(&branch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Branch{}, newServiceError(opGetBranch, "branch_missing", ErrBranchNotFound)
	}
	if err != nil {
		s.logError(opGetBranch, "branch_select_failed", err, zap.String("branch_id", branchID))
		return Branch{}, newServiceError(opGetBranch, "branch_select_failed", err)
	}
	return branch, nil
}

// GetVersion resolves one version by identifier.
func (s *Service) GetVersion(ctx context.Context, versionID string) (Version, error) {
	var version Version
	err := s.db.WithContext(ctx).Where("version_id = ?", versionID).Take(&version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Version{}, newServiceError(opGetVersion, "version_missing", ErrVersionNotFound)
	}
	if err != nil {
		s.logError(opGetVersion, "version_select_failed", err, zap.String("version_id", versionID))
		return Version{}, newServiceError(opGetVersion, "version_select_failed", err)
	}
	return version, nil
}

// HeadVersion returns the highest-numbered version on the branch.
func (s *Service) HeadVersion(ctx context.Context, branchID string) (Version, error) {
	var head Version
	err := s.db.WithContext(ctx).
		Where("branch_id = ?", branchID).
		Order("number DESC").
		Take(&head).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Version{}, newServiceError(opHeadVersion, "head_missing", ErrVersionNotFound)
	}
	if err != nil {
		s.logError(opHeadVersion, "head_select_failed", err, zap.String("branch_id", branchID))
		return Version{}, newServiceError(opHeadVersion, "head_select_failed", err)
	}
	return head, nil
}

// appendVersion inserts the next version row inside the caller's transaction.
func (s *Service) appendVersion(tx *gorm.DB, branch Branch, content, message, actor string) (Version, error) {
	head, err := s.headForUpdate(tx, branch.BranchID)
	var parentVersionID *string
	nextNumber := int64(1)
	if err == nil {
		nextNumber = head.Number + 1
		parentVersionID = &head.VersionID
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opCommitVersion, "head_select_failed", err, zap.String("branch_id", branch.BranchID))
		return Version{}, newServiceError(opCommitVersion, "head_select_failed", err)
	}

	versionID, err := s.idProvider.NewID()
	if err != nil {
		return Version{}, newServiceError(opCommitVersion, "id_generation_failed", err)
	}
	words, characters := countWords(content)
	version := Version{
		VersionID:        versionID,
		DocumentID:       branch.DocumentID,
		BranchID:         branch.BranchID,
		Number:           nextNumber,
		ParentVersionID:  parentVersionID,
		Content:          content,
		Message:          message,
		WordCount:        words,
		CharacterCount:   characters,
		CreatedBy:        actor,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := tx.Create(&version).Error; err != nil {
		s.logError(opCommitVersion, "version_insert_failed", err,
			zap.String("branch_id", branch.BranchID))
		return Version{}, newServiceError(opCommitVersion, "version_insert_failed", err)
	}
	return version, nil
}

func (s *Service) branchForUpdate(tx *gorm.DB, branchID string) (Branch, error) {
	var branch Branch
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("branch_id = ?", branchID).
		Take(&branch).Error
	return branch, err
}

func (s *Service) headForUpdate(tx *gorm.DB, branchID string) (Version, error) {
	var head Version
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("branch_id = ?", branchID).
		Order("number DESC").
		Take(&head).Error
	return head, err
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
	s.loggerOrDefault().Error("history service error", attrs...)
}
