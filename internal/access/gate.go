// Package access decides whether a principal may act on a file record.
//
// The rule is the same for every action: owners and administrators are
// allowed, everybody else is denied. The gate has no side effects and must
// be consulted before any mutation or byte transfer. Anonymous access goes
// through share tokens and never through the gate.
package access

import (
	"errors"
	"fmt"

	"github.com/yorukot/filevault/internal/auth"
	"github.com/yorukot/filevault/internal/models"
)

// ErrPermissionDenied is returned when the ownership/admin rule fails
var ErrPermissionDenied = errors.New("permission denied")

// Action names an operation on a file record
type Action string

const (
	ActionRead     Action = "read"
	ActionDownload Action = "download"
	ActionPreview  Action = "preview"
	ActionRename   Action = "rename"
	ActionComment  Action = "comment"
	ActionUpdate   Action = "update"
	ActionDelete   Action = "delete"
	ActionShare    Action = "share"
)

// Decision is the outcome of an authorization check
type Decision struct {
	Allowed bool
	Reason  string
}

// Err converts a deny decision into an error wrapping ErrPermissionDenied
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrPermissionDenied, d.Reason)
}

// Authorize applies the ownership/admin rule
func Authorize(p auth.Principal, rec *models.FileRecord, action Action) Decision {
	switch {
	case p.Anonymous():
		return Decision{Reason: "anonymous principal"}
	case rec == nil:
		return Decision{Reason: "no target record"}
	case p.ID == rec.OwnerID:
		return Decision{Allowed: true, Reason: "owner"}
	case p.IsAdmin:
		return Decision{Allowed: true, Reason: "admin"}
	default:
		return Decision{Reason: fmt.Sprintf("%s requires ownership", action)}
	}
}

// ListScope returns the owner whose records p may list. Non-admins always
// get their own records; admins may name a target owner.
func ListScope(p auth.Principal, requestedOwner string) (string, error) {
	if p.Anonymous() {
		return "", fmt.Errorf("%w: anonymous principal", ErrPermissionDenied)
	}
	if p.IsAdmin && requestedOwner != "" {
		return requestedOwner, nil
	}
	return p.ID, nil
}
