package domain

import (
	"errors"
	"time"
)

var ErrLeaseNotHeld = errors.New("leader lease is not held by this node")

// Leader is the single-row registry backing cluster-wide leader election
// (§3.2). Name is always "obango" — the table enforces one row by PK.
type Leader struct {
	Name      string
	Node      string
	ElectedAt time.Time
	ExpiresAt time.Time
}

// Producer is a per-(node, queue) heartbeat row (§3.3).
type Producer struct {
	UUID      string
	Node      string
	Queue     string
	Meta      map[string]any
	StartedAt time.Time
	UpdatedAt time.Time
}
