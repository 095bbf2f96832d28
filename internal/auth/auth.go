// Package auth decides whether a subject may perform an operation on a container.
package auth

import (
	"fmt"
	"gear-queue/internal/models"
)

// Operation is the kind of access a request performs
type Operation int

const (
	OpGet Operation = iota
	OpList
	OpCreate
	OpUpdate
	OpDelete
)

func (op Operation) String() string {
	switch op {
	case OpGet:
		return "get"
	case OpList:
		return "list"
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return fmt.Sprintf("operation(%d)", int(op))
}

// RequiredAccess is the minimum container permission for op
func (op Operation) RequiredAccess() models.AccessLevel {
	switch op {
	case OpGet, OpList:
		return models.AccessReadOnly
	case OpCreate, OpUpdate:
		return models.AccessReadWrite
	case OpDelete:
		return models.AccessAdmin
	}
	panic("auth: unhandled operation " + op.String())
}

// Subject is the caller of an operation
type Subject struct {
	UID       string
	Superuser bool
	Drone     bool
}

// Privileged subjects bypass container permissions
func (s Subject) Privileged() bool {
	return s.Superuser || s.Drone
}

// Decision is the outcome of a permission check
type Decision struct {
	Allowed bool
	Reason  string
}

func (d Decision) Error() string {
	return d.Reason
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(format string, args ...interface{}) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Check decides whether subject may perform op on c
func Check(c *models.Container, subject Subject, op Operation) Decision {
	if subject.Privileged() {
		return allow()
	}
	if subject.UID == "" {
		return deny("anonymous %s on %s/%s", op, c.Kind, c.ID)
	}

	need := op.RequiredAccess()
	for _, p := range c.Permissions {
		if p.ID != subject.UID {
			continue
		}
		if p.Access.Rank() >= need.Rank() {
			return allow()
		}
		return deny("user %s has %s on %s/%s, %s requires %s", subject.UID, p.Access, c.Kind, c.ID, op, need)
	}
	return deny("user %s has no access to %s/%s", subject.UID, c.Kind, c.ID)
}
