package tasks

import (
	"context"
	"errors"
)

var (
	ErrStoreNotFound = errors.New("record not found in store")
	ErrQueueFull     = errors.New("task queue is full")
	ErrNoPendingPlan = errors.New("no pending plan")
	ErrUnrecoverable = errors.New("interrupted task has no runner session and cannot be resumed")
)

// Store persists the records that must survive a process restart. Writes must be durable
// by the time they return.
type Store interface {
	SavePlan(ctx context.Context, plan PendingPlan) error
	LoadPlan(ctx context.Context, conv ConversationID) (PendingPlan, error)
	DeletePlan(ctx context.Context, conv ConversationID) (bool, error)

	SaveActiveTask(ctx context.Context, rec ActiveTaskRecord) error
	DeleteActiveTask(ctx context.Context, id string) error
	ListActiveTasks(ctx context.Context) ([]ActiveTaskRecord, error)
}
