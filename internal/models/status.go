package models

import (
	"social-autopilot/internal/errors"
)

// PostStatus enumerates queue entry lifecycle states persisted in Postgres.
type PostStatus string

const (
	PostDraft   PostStatus = "draft"
	PostPending PostStatus = "pending"
	PostPosted  PostStatus = "posted"
	PostFailed  PostStatus = "failed"
)

var postTransitions = map[PostStatus][]PostStatus{
	PostDraft:   {PostPending, PostFailed},
	PostPending: {PostPosted, PostFailed},
}

// Valid reports whether s is a known status.
func (s PostStatus) Valid() bool {
	switch s {
	case PostDraft, PostPending, PostPosted, PostFailed:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to to is allowed.
func (s PostStatus) CanTransition(to PostStatus) bool {
	for _, allowed := range postTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s PostStatus) Terminal() bool {
	return len(postTransitions[s]) == 0
}

// Deletable reports whether an operator may remove a post in this status.
func (s PostStatus) Deletable() bool {
	return s == PostDraft || s == PostFailed
}

// ParsePostStatus validates a raw status string.
func ParsePostStatus(raw string) (PostStatus, error) {
	s := PostStatus(raw)
	if !s.Valid() {
		return "", errors.NewInvalidRequestError("unknown post status %q", raw)
	}
	return s, nil
}

// RunStatus enumerates automation run states.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunSkipped   RunStatus = "skipped"
)

// CanTransition reports whether moving from s to to is allowed. Only a
// running run may finish, and it finishes exactly once.
func (s RunStatus) CanTransition(to RunStatus) bool {
	if s != RunRunning {
		return false
	}
	switch to {
	case RunCompleted, RunFailed, RunSkipped:
		return true
	}
	return false
}

func illegalTransition(kind string, from, to string) error {
	return errors.Wrapf(errors.ErrIllegalTransition, "%s %s -> %s", kind, from, to)
}
