// Package assignment implements the assignment bounded context: deterministic
// subject bucketing, the traffic-allocation gate, and the engine that resolves
// a (experiment, subject) pair to a sticky variant via cache, registry, and
// first-write-wins persistence.
package assignment

import (
	"github.com/turtacn/ABLab/pkg/errors"
	etypes "github.com/turtacn/ABLab/pkg/types/experiment"
)

// Subject is the entity being split into variants: a user when a user id is
// available, otherwise a session.  The two identifier spaces are disjoint by
// construction (Kind is part of every storage and cache key), so a user id
// colliding with a session id cannot alias an assignment.
type Subject struct {
	Kind etypes.SubjectKind `json:"kind"`
	ID   string             `json:"id"`
}

// NewSubject resolves the caller-supplied identifiers into a Subject.  The
// user id takes precedence when both are present; supplying neither yields
// ASG_001.
func NewSubject(userID, sessionID string) (Subject, error) {
	switch {
	case userID != "":
		return Subject{Kind: etypes.SubjectUser, ID: userID}, nil
	case sessionID != "":
		return Subject{Kind: etypes.SubjectSession, ID: sessionID}, nil
	default:
		return Subject{}, errors.New(errors.ErrCodeInvalidSubject,
			"neither user id nor session id supplied")
	}
}

// Validate checks that the subject carries a known kind and a non-empty id.
func (s Subject) Validate() error {
	if s.ID == "" {
		return errors.New(errors.ErrCodeInvalidSubject, "subject id must not be empty")
	}
	if !s.Kind.IsValid() {
		return errors.New(errors.ErrCodeInvalidSubject, "unknown subject kind "+string(s.Kind))
	}
	return nil
}

// String renders the subject as kind:id, the form used in log fields.
func (s Subject) String() string {
	return string(s.Kind) + ":" + s.ID
}
