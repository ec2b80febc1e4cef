// Package txqueue packs outgoing messages into MTU sized writes.
package txqueue

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// LinkOverhead is the number of bytes of every write taken by the link layer
// (the ATT header on BLE).
const LinkOverhead = 3

// Pack groups msgs, in order, into chunks of at most mtu-LinkOverhead bytes.
// A message is never split; one larger than the limit is sent alone. With an
// unknown mtu (<= 0) everything goes out as one chunk.
func Pack(mtu int, msgs [][]byte) [][]byte {
	if len(msgs) == 0 {
		return nil
	}

	limit := mtu - LinkOverhead
	if mtu <= 0 {
		limit = 0
		for _, m := range msgs {
			limit += len(m)
		}
	}

	var chunks [][]byte
	var current []byte
	for _, m := range msgs {
		if len(current) > 0 && len(current)+len(m) > limit {
			chunks = append(chunks, current)
			current = nil
		}

		if current == nil {
			current = make([]byte, 0, max(limit, len(m)))
		}
		current = append(current, m...)
	}

	if len(current) > 0 {
		chunks = append(chunks, current)
	}

	return chunks
}

// Sender writes one chunk to the transport.
type Sender func(ctx context.Context, chunk []byte) error

// Queue holds messages until Flush. Flushes are serialised: a flush packs
// everything queued when it starts and sends it before the next one begins.
type Queue struct {
	send Sender
	mtu  func() int
	log  *zap.Logger

	mu      sync.Mutex
	pending [][]byte

	flushMu sync.Mutex
}

type Option func(*Queue)

func WithLogger(log *zap.Logger) Option {
	return func(q *Queue) {
		q.log = log
	}
}

// New returns a queue writing through send. mtu is consulted on every flush.
func New(send Sender, mtu func() int, opts ...Option) *Queue {
	q := &Queue{
		send: send,
		mtu:  mtu,
		log:  zap.NewNop(),
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

// Enqueue appends framed messages to the queue.
func (q *Queue) Enqueue(msgs ...[]byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, m := range msgs {
		if len(m) > 0 {
			q.pending = append(q.pending, m)
		}
	}
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}

// Flush sends everything queued so far. On a send error the chunks not yet
// written are dropped.
func (q *Queue) Flush(ctx context.Context) error {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	mtu := 0
	if q.mtu != nil {
		mtu = q.mtu()
	}

	chunks := Pack(mtu, pending)
	for i, chunk := range chunks {
		if mtu > 0 && len(chunk) > mtu-LinkOverhead {
			q.log.Warn("sending oversized chunk", zap.Int("size", len(chunk)), zap.Int("mtu", mtu))
		}

		if err := q.send(ctx, chunk); err != nil {
			return fmt.Errorf("send chunk %d of %d: %w", i+1, len(chunks), err)
		}
	}

	q.log.Debug("flushed tx queue", zap.Int("messages", len(pending)), zap.Int("chunks", len(chunks)))

	return nil
}
