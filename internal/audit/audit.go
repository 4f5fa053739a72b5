// Package audit records domain events through pluggable sinks.
package audit

import (
	"context"
	"time"
)

// Actions emitted by the service and the worker.
const (
	FileReady     = "file.ready"
	FileInfected  = "file.infected"
	FileFailed    = "file.failed"
	FileTrashed   = "file.trashed"
	FileRestored  = "file.restored"
	FilePurged    = "file.purged"
	ShareIssued   = "share.issued"
	ShareRedeemed = "share.redeemed"
	ShareRevoked  = "share.revoked"
	QuotaChanged  = "quota.changed"
)

// Resource types.
const (
	ResourceFile  = "file"
	ResourceShare = "share"
	ResourceUser  = "user"
)

// Event is one auditable side effect. Actor is nil for system actions.
type Event struct {
	Actor        *uint64           `json:"actor,omitempty"`
	Action       string            `json:"action"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	OwnerID      uint64            `json:"owner_id,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
	At           time.Time         `json:"at"`
}

// Sink receives audit events.
type Sink interface {
	Record(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Record(ctx context.Context, e Event) error { return f(ctx, e) }

// Actor returns a pointer for Event.Actor.
func Actor(id uint64) *uint64 { return &id }
