package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Role enumerates the document access levels recognised by the API.
type Role string

const (
	// RoleReader may read documents and comments.
	RoleReader Role = "reader"
	// RoleCommenter may additionally create, resolve and reopen comments.
	RoleCommenter Role = "commenter"
	// RoleWriter may additionally edit, commit, branch and merge.
	RoleWriter Role = "writer"
	// RoleOwner may additionally delete branches and other authors' comments,
	// protect branches and commit to protected branches.
	RoleOwner Role = "owner"
)

// ErrUnknownRole indicates a role value outside the recognised set.
var ErrUnknownRole = errors.New("auth: unknown role")

var roleRank = map[Role]int{
	RoleReader:    0,
	RoleCommenter: 1,
	RoleWriter:    2,
	RoleOwner:     3,
}

// ParseRole validates raw input and returns a Role.
func ParseRole(rawInput string) (Role, error) {
	candidate := Role(strings.ToLower(strings.TrimSpace(rawInput)))
	if _, ok := roleRank[candidate]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, rawInput)
	}
	return candidate, nil
}

// AtLeast reports whether the role grants at least the required level.
func (r Role) AtLeast(required Role) bool {
	return roleRank[r] >= roleRank[required]
}

// String returns the role's wire representation.
func (r Role) String() string {
	return string(r)
}
