// Package execlock serializes runner work per conversation and carries the cancellation
// signal for whatever currently holds a conversation.
package execlock

import (
	"context"
	"errors"
	"sync"

	"github.com/ent0n29/foreman/internal/tasks"
)

var (
	ErrBusy      = errors.New("conversation is busy")
	ErrCancelled = errors.New("cancelled")
	ErrNotHeld   = errors.New("conversation is not held")
)

// Token is handed to the holder of a conversation. Its context is cancelled by Cancel or Release.
type Token struct {
	conv   tasks.ConversationID
	ctx    context.Context
	cancel context.CancelFunc
}

func (t *Token) Conversation() tasks.ConversationID { return t.conv }

// Context is the abort signal for runner invocations made under this token.
func (t *Token) Context() context.Context { return t.ctx }

func (t *Token) Cancelled() bool { return t.ctx.Err() != nil }

type Lock struct {
	mu      sync.Mutex
	base    context.Context
	holders map[tasks.ConversationID]*Token
}

// New builds a Lock whose tokens derive from base; cancelling base cancels every holder.
func New(base context.Context) *Lock {
	if base == nil {
		base = context.Background()
	}
	return &Lock{
		base:    base,
		holders: make(map[tasks.ConversationID]*Token),
	}
}

func (l *Lock) TryAcquire(conv tasks.ConversationID) (*Token, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.holders[conv]; ok {
		return nil, ErrBusy
	}
	return l.issueLocked(conv), nil
}

// Release clears the conversation. Releasing an idle conversation is a no-op.
func (l *Lock) Release(conv tasks.ConversationID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tok, ok := l.holders[conv]; ok {
		tok.cancel()
		delete(l.holders, conv)
	}
}

// ReleaseToken clears the conversation only if tok is still the live holder.
func (l *Lock) ReleaseToken(tok *Token) {
	if tok == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.holders[tok.conv]; ok && cur == tok {
		tok.cancel()
		delete(l.holders, tok.conv)
	}
}

func (l *Lock) IsBusy(conv tasks.ConversationID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.holders[conv]
	return ok
}

// Cancel signals the live token and reports whether anything was running.
// The conversation stays held until its holder releases it.
func (l *Lock) Cancel(conv tasks.ConversationID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	tok, ok := l.holders[conv]
	if !ok {
		return false
	}
	tok.cancel()
	return true
}

// Cycle is the release and immediate re-acquire between two phases of the same holder.
// No other caller can take the conversation in between. A cancel that arrived before the
// boundary ends the hold: the conversation is released and ErrCancelled returned, so the
// next phase never starts.
func (l *Lock) Cycle(tok *Token) (*Token, error) {
	if tok == nil {
		return nil, ErrNotHeld
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.holders[tok.conv]
	if !ok || cur != tok {
		return nil, ErrNotHeld
	}
	cancelled := tok.ctx.Err() != nil
	tok.cancel()
	delete(l.holders, tok.conv)
	if cancelled {
		return nil, ErrCancelled
	}
	return l.issueLocked(tok.conv), nil
}

// ShuttingDown reports whether the base context is done. Holders use it to tell a process
// shutdown from a Cancel aimed at their conversation.
func (l *Lock) ShuttingDown() bool {
	return l.base.Err() != nil
}

func (l *Lock) BusyCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.holders)
}

func (l *Lock) issueLocked(conv tasks.ConversationID) *Token {
	ctx, cancel := context.WithCancel(l.base)
	tok := &Token{conv: conv, ctx: ctx, cancel: cancel}
	l.holders[conv] = tok
	return tok
}
