// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package mqueue provides named, bounded FIFO message queues.
//
// A queue holds at most MaxMsgs messages of at most MaxLen bytes each.
// Queues are registered by name in a process wide registry so that
// independent parts of a program can attach to the same queue with
// Lookup. Messages are copied on Send; with WithArena the copies live
// in blocks of a fbmalloc arena instead of the Go heap.
package mqueue

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"

	"github.com/yanmijun/TCNopen/fbmalloc"
)

const NAME = "mqueue"

// Error kinds, test for them with errors.Is.
var (
	// ErrParam is returned for invalid arguments.
	ErrParam = errors.New(NAME + ": invalid parameter")
	// ErrNoInit is returned when using a destroyed queue.
	ErrNoInit = errors.New(NAME + ": invalid queue handle")
	// ErrQueue is returned when a queue cannot be created or when no
	// message arrived before the receive timeout.
	ErrQueue = errors.New(NAME + ": queue error")
	// ErrQueueFull is returned by Send when no more messages fit.
	ErrQueueFull = errors.New(NAME + ": queue full")
)

// Option configures a queue at Create time.
type Option func(q *Queue)

// WithArena makes the queue store its pending messages in blocks of
// the arena m. m must stay initialised until the queue is destroyed.
func WithArena(m *fbmalloc.FBMalloc) Option {
	return func(q *Queue) {
		q.arena = m
	}
}

// Queue is a named bounded FIFO of messages.
type Queue struct {
	key     string
	maxMsgs int
	maxLen  int
	arena   *fbmalloc.FBMalloc

	mu        sync.Mutex // serialises senders against Destroy
	destroyed bool
	msgs      chan []byte
	done      chan struct{}
}

var registry = struct {
	sync.Mutex
	queues *swiss.Map[string, *Queue]
}{queues: swiss.NewMap[string, *Queue](16)}

// Create creates and registers the queue key, holding up to maxMsgs
// messages of at most maxLen bytes.
// It returns ErrParam for an empty key or non positive limits and
// ErrQueue if a queue with the same key already exists.
func Create(key string, maxMsgs, maxLen int, opts ...Option) (*Queue, error) {
	if key == "" {
		return nil, errors.Wrap(ErrParam, "empty queue key")
	}
	if maxMsgs <= 0 || maxLen <= 0 {
		return nil, errors.Wrapf(ErrParam, "queue %q: bad limits %d x %d bytes",
			key, maxMsgs, maxLen)
	}
	q := &Queue{
		key:     key,
		maxMsgs: maxMsgs,
		maxLen:  maxLen,
		msgs:    make(chan []byte, maxMsgs),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}

	registry.Lock()
	defer registry.Unlock()
	if registry.queues.Has(key) {
		return nil, errors.Wrapf(ErrQueue, "queue %q already exists", key)
	}
	registry.queues.Put(key, q)
	if DBGon() {
		DBG("created queue %q: %d x %d bytes (arena %v)\n",
			key, maxMsgs, maxLen, q.arena != nil)
	}
	return q, nil
}

// Lookup returns the registered queue key.
func Lookup(key string) (*Queue, bool) {
	registry.Lock()
	defer registry.Unlock()
	return registry.queues.Get(key)
}

// Key returns the queue name.
func (q *Queue) Key() string { return q.key }

// MaxMsgs returns the maximum number of pending messages.
func (q *Queue) MaxMsgs() int { return q.maxMsgs }

// MaxLen returns the maximum message size.
func (q *Queue) MaxLen() int { return q.maxLen }

// Len returns the number of pending messages.
func (q *Queue) Len() int { return len(q.msgs) }

func (q *Queue) newMsg(n int) []byte {
	if q.arena != nil {
		return q.arena.AllocSlice(n)
	}
	return make([]byte, n)
}

func (q *Queue) freeMsg(b []byte) {
	if q.arena == nil {
		return
	}
	if err := q.arena.FreeSlice(b); err != nil && WARNon() {
		WARN("queue %q: releasing message: %v\n", q.key, err)
	}
}

// Send appends a copy of msg to the queue. It never blocks.
// It returns ErrParam for an empty or too long message, ErrQueueFull
// if MaxMsgs messages are pending (or the arena is exhausted) and
// ErrNoInit if the queue was destroyed.
func (q *Queue) Send(msg []byte) error {
	if len(msg) == 0 || len(msg) > q.maxLen {
		return errors.Wrapf(ErrParam, "queue %q: message of %d bytes (max %d)",
			q.key, len(msg), q.maxLen)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return errors.Wrapf(ErrNoInit, "queue %q", q.key)
	}
	// only senders add and they hold mu, so the push below cannot block
	if len(q.msgs) == cap(q.msgs) {
		return errors.Wrapf(ErrQueueFull, "queue %q: %d messages pending",
			q.key, len(q.msgs))
	}
	b := q.newMsg(len(msg))
	if b == nil {
		return errors.Wrapf(ErrQueueFull, "queue %q: arena exhausted", q.key)
	}
	copy(b, msg)
	q.msgs <- b
	return nil
}

func (q *Queue) deliver(b, buf []byte) int {
	n := copy(buf, b)
	q.freeMsg(b)
	return n
}

func (q *Queue) checkRecv(buf []byte) error {
	if len(buf) < q.maxLen {
		return errors.Wrapf(ErrParam, "queue %q: receive buffer of %d bytes"+
			" (need %d)", q.key, len(buf), q.maxLen)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return errors.Wrapf(ErrNoInit, "queue %q", q.key)
	}
	return nil
}

// Receive removes the oldest message, copies it into buf and returns
// its size. It waits up to timeout for a message (0 does not wait).
// buf must hold at least MaxLen bytes (ErrParam otherwise).
// It returns ErrQueue if the queue is still empty when the timeout
// expires and ErrNoInit if the queue is or gets destroyed.
func (q *Queue) Receive(buf []byte, timeout time.Duration) (int, error) {
	if err := q.checkRecv(buf); err != nil {
		return 0, err
	}
	select {
	case b := <-q.msgs:
		return q.deliver(b, buf), nil
	default:
	}
	if timeout <= 0 {
		return 0, errors.Wrapf(ErrQueue, "queue %q empty", q.key)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case b := <-q.msgs:
		return q.deliver(b, buf), nil
	case <-q.done:
		return 0, errors.Wrapf(ErrNoInit, "queue %q destroyed", q.key)
	case <-timer.C:
		return 0, errors.Wrapf(ErrQueue, "queue %q: no message in %s",
			q.key, timeout)
	}
}

// ReceiveContext is like Receive, but waits until a message arrives or
// ctx is done, in which case it returns the context error.
func (q *Queue) ReceiveContext(ctx context.Context, buf []byte) (int, error) {
	if err := q.checkRecv(buf); err != nil {
		return 0, err
	}
	select {
	case b := <-q.msgs:
		return q.deliver(b, buf), nil
	case <-q.done:
		return 0, errors.Wrapf(ErrNoInit, "queue %q destroyed", q.key)
	case <-ctx.Done():
		return 0, errors.WithStack(ctx.Err())
	}
}

// Destroy unregisters the queue, drops the pending messages and wakes
// up waiting receivers (they get ErrNoInit).
func (q *Queue) Destroy() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return errors.Wrapf(ErrNoInit, "queue %q already destroyed", q.key)
	}
	q.destroyed = true
	close(q.done)

	registry.Lock()
	if cur, ok := registry.queues.Get(q.key); ok && cur == q {
		registry.queues.Delete(q.key)
	}
	registry.Unlock()

	dropped := 0
drain:
	for {
		select {
		case b := <-q.msgs:
			q.freeMsg(b)
			dropped++
		default:
			break drain
		}
	}
	if DBGon() {
		DBG("destroyed queue %q, %d pending messages dropped\n", q.key, dropped)
	}
	return nil
}
