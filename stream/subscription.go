package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	redisclient "github.com/raniellyferreira/redis-stream-client"
)

// ErrSubscriptionClosed is returned by Next after Close
var ErrSubscriptionClosed = errors.New("subscription is closed")

// Subscription turns repeated blocking polls into a continuous sequence
// of entry batches. It owns its Conn exclusively: after Subscribe the
// caller must not use the Conn for anything else, and Close releases it.
//
// The loop is pull-based. Each Next call issues at most one poll at a
// time and the next poll is not built until Next is called again, so a
// slow consumer simply leaves entries on the server. Cursors advance
// only over entries that were actually returned.
//
// Next is meant for a single goroutine; Close may be called from
// another to shut the subscription down mid-poll.
type Subscription struct {
	conn    *redisclient.Conn
	keys    []string
	keyIdx  map[string]int
	cursors []string
	group   *Group
	blockMS int64
	count   int64

	logger  redisclient.Logger
	metrics redisclient.MetricsCollector

	mu  sync.Mutex
	err error
}

// Subscribe starts a subscription over conn, taking ownership of it.
// Plain subscriptions start at each stream's tail unless opts.From says
// otherwise; group subscriptions poll the group delivery cursor and
// require the group to exist (see Client.EnsureGroup).
//
// Example:
//
//	sub, err := stream.Subscribe(conn, stream.SubscribeOptions{
//		Keys:  []string{"events"},
//		Block: 5 * time.Second,
//	})
//	if err != nil {
//		return err
//	}
//	defer sub.Close()
//
//	for {
//		batch, err := sub.Next(ctx)
//		if err != nil {
//			return err
//		}
//		for _, entry := range batch {
//			handle(entry)
//		}
//	}
func Subscribe(conn *redisclient.Conn, opts SubscribeOptions) (*Subscription, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	s := &Subscription{
		conn:    conn,
		keys:    append([]string(nil), opts.Keys...),
		keyIdx:  make(map[string]int, len(opts.Keys)),
		cursors: make([]string, len(opts.Keys)),
		group:   opts.Group,
		blockMS: opts.Block.Milliseconds(),
		count:   opts.Count,
		logger:  conn.Logger(),
		metrics: conn.Metrics(),
	}
	for i, key := range s.keys {
		s.keyIdx[key] = i
		s.cursors[i] = opts.initialCursor(key)
	}

	fields := []redisclient.Field{{Key: "keys", Value: s.keys}}
	if s.group != nil {
		fields = append(fields,
			redisclient.Field{Key: "group", Value: s.group.Name},
			redisclient.Field{Key: "consumer", Value: s.group.Consumer},
		)
	}
	s.logger.Debug("subscription started", fields...)
	return s, nil
}

// Next blocks until the streams produce a batch of entries, then returns
// it in server order (ascending ids within each stream). Empty polls are
// absorbed and retried; callers never see an empty non-error batch.
//
// Any error is terminal: the owned Conn is closed and every later Next
// returns the same error. That covers transport and protocol failures,
// server errors such as NOGROUP, context cancellation, and Close.
func (s *Subscription) Next(ctx context.Context) ([]Entry, error) {
	if err := s.Err(); err != nil {
		return nil, err
	}

	for {
		reply, err := s.conn.DoBlocking(ctx, s.pollCommand())
		if err != nil {
			return nil, s.terminate(err)
		}

		// Nil means the server's block window elapsed with nothing new.
		if reply.IsNull {
			s.recordPoll(0)
			continue
		}

		batch, err := parseStreamsReply(reply)
		if err != nil {
			return nil, s.terminate(err)
		}
		if len(batch) == 0 {
			s.recordPoll(0)
			continue
		}

		s.advanceCursors(batch)
		s.recordPoll(len(batch))
		return batch, nil
	}
}

// Err returns the terminal error, or nil while the subscription is live
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Keys returns the stream keys the subscription polls
func (s *Subscription) Keys() []string {
	return append([]string(nil), s.keys...)
}

// Close terminates the subscription and closes the owned connection,
// unblocking any in-flight poll. Safe to call more than once and from
// other goroutines.
func (s *Subscription) Close() error {
	s.mu.Lock()
	alreadyDead := s.err != nil
	if !alreadyDead {
		s.err = ErrSubscriptionClosed
	}
	s.mu.Unlock()

	err := s.conn.Close()
	if !alreadyDead {
		s.logger.Debug("subscription closed", redisclient.Field{Key: "keys", Value: s.keys})
	}
	return err
}

func (s *Subscription) pollCommand() *redisclient.Command {
	var cmd *redisclient.Command
	if s.group != nil {
		cmd = redisclient.NewCommand("XREADGROUP", "GROUP", s.group.Name, s.group.Consumer)
	} else {
		cmd = redisclient.NewCommand("XREAD")
	}
	if s.count > 0 {
		cmd.Arg("COUNT").Arg(s.count)
	}
	cmd.Arg("BLOCK").Arg(s.blockMS)
	cmd.Arg("STREAMS")
	for _, key := range s.keys {
		cmd.Arg(key)
	}
	for _, cursor := range s.cursors {
		cmd.Arg(cursor)
	}
	return cmd
}

// advanceCursors moves each plain cursor to the last id yielded for its
// key, so the next poll is an exclusive lower bound over what the caller
// has already seen. Group subscriptions keep the delivery cursor; the
// server tracks positions per consumer.
func (s *Subscription) advanceCursors(batch []Entry) {
	if s.group != nil {
		return
	}
	for _, e := range batch {
		if i, ok := s.keyIdx[e.Stream]; ok {
			s.cursors[i] = e.ID.String()
		}
	}
}

// terminate records the first fatal error, closes the owned conn, and
// makes every later Next return that same error
func (s *Subscription) terminate(err error) error {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	} else {
		err = s.err
	}
	s.mu.Unlock()

	s.conn.Close()
	if !errors.Is(err, ErrSubscriptionClosed) {
		s.logger.Error("subscription terminated",
			redisclient.Field{Key: "keys", Value: s.keys},
			redisclient.Field{Key: "error", Value: err},
		)
	}
	return err
}

func (s *Subscription) recordPoll(entries int) {
	if s.metrics != nil {
		s.metrics.RecordPoll(entries)
	}
}

// BlockDuration reports the per-poll server hold time
func (s *Subscription) BlockDuration() time.Duration {
	return time.Duration(s.blockMS) * time.Millisecond
}
