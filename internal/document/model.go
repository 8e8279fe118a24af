package document

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("document: invalid document id")
	// ErrInvalidSessionID indicates that a session identifier is empty or exceeds storage bounds.
	ErrInvalidSessionID = errors.New("document: invalid session id")
	// ErrInvalidSyncPayload indicates that a sync payload could not be applied.
	ErrInvalidSyncPayload = errors.New("document: invalid sync payload")
	// ErrSessionNotAttached indicates that the session has no sync state on the document.
	ErrSessionNotAttached = errors.New("document: session not attached")
	// ErrReadOnlySession indicates that a sync payload carrying changes arrived from a session that may not edit.
	ErrReadOnlySession = errors.New("document: session may not edit")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// SessionID represents a validated collaboration session identifier.
type SessionID string

// NewSessionID validates raw input and returns a SessionID.
func NewSessionID(rawInput string) (SessionID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSessionID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSessionID, maxIdentifierLength)
	}
	return SessionID(trimmed), nil
}

// String returns the underlying string identifier.
func (id SessionID) String() string {
	return string(id)
}

// Snapshot stores the durable CRDT snapshot per document.
type Snapshot struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	SnapshotB64      string `gorm:"column:snapshot_b64;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Snapshot) TableName() string {
	return "document_snapshots"
}
