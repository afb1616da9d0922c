package stream_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/raniellyferreira/redis-stream-client"
	"github.com/raniellyferreira/redis-stream-client/stream"
)

func TestSubscribeValidation(t *testing.T) {
	srv := startServer(t)
	conn := dial(t, srv)

	tests := []struct {
		name string
		opts stream.SubscribeOptions
	}{
		{name: "no keys", opts: stream.SubscribeOptions{}},
		{name: "empty key", opts: stream.SubscribeOptions{Keys: []string{""}}},
		{name: "group without consumer", opts: stream.SubscribeOptions{
			Keys:  []string{"events"},
			Group: &stream.Group{Name: "workers"},
		}},
		{name: "negative block", opts: stream.SubscribeOptions{
			Keys:  []string{"events"},
			Block: -time.Second,
		}},
		{name: "sub-millisecond block", opts: stream.SubscribeOptions{
			Keys:  []string{"events"},
			Block: 500 * time.Microsecond,
		}},
		{name: "negative count", opts: stream.SubscribeOptions{
			Keys:  []string{"events"},
			Count: -1,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := stream.Subscribe(conn, tt.opts)
			assert.ErrorIs(t, err, redisclient.ErrInvalidConfig)
		})
	}

	sub, err := stream.Subscribe(conn, stream.SubscribeOptions{
		Keys:  []string{"events", "audit"},
		Block: 2 * time.Second,
	})
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, 2*time.Second, sub.BlockDuration())

	keys := sub.Keys()
	require.Equal(t, []string{"events", "audit"}, keys)
	keys[0] = "mutated"
	assert.Equal(t, []string{"events", "audit"}, sub.Keys(), "Keys must return a copy")
}

func TestSubscriptionDeliversNewEntries(t *testing.T) {
	srv := startServer(t)
	pub := stream.NewClient(dial(t, srv))
	ctx := context.Background()

	// Entries existing before the subscription must never be seen
	_, err := pub.AddAutoID(ctx, "events", stream.F("n", "old"))
	require.NoError(t, err)

	sub, err := stream.Subscribe(dial(t, srv), stream.SubscribeOptions{
		Keys:  []string{"events"},
		Block: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	defer sub.Close()

	nextCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	type result struct {
		batch []stream.Entry
		err   error
	}
	results := make(chan result, 1)
	go func() {
		batch, err := sub.Next(nextCtx)
		results <- result{batch, err}
	}()

	// Let the first poll reach the server before producing
	time.Sleep(250 * time.Millisecond)
	newID, err := pub.AddAutoID(ctx, "events", stream.F("n", "new"))
	require.NoError(t, err)

	select {
	case r := <-results:
		require.NoError(t, r.err)
		require.Len(t, r.batch, 1)
		assert.Equal(t, newID, r.batch[0].ID)
		assert.Equal(t, "new", r.batch[0].Map()["n"])
	case <-time.After(5 * time.Second):
		t.Fatal("Next did not return after an entry was appended")
	}

	// The cursor is now past the delivered entry, so a follow-up append
	// arrives on the next poll without any blocking involved.
	lateID, err := pub.AddAutoID(ctx, "events", stream.F("n", "late"))
	require.NoError(t, err)

	batch, err := sub.Next(nextCtx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, lateID, batch[0].ID)
}

func TestSubscriptionResumesFromOffset(t *testing.T) {
	srv := startServer(t)
	pub := stream.NewClient(dial(t, srv))
	ctx := context.Background()

	ids := []stream.EntryID{{Ms: 1, Seq: 1}, {Ms: 2, Seq: 1}, {Ms: 3, Seq: 1}}
	for _, id := range ids {
		_, err := pub.Add(ctx, "events", id, stream.F("n", id.String()))
		require.NoError(t, err)
	}

	sub, err := stream.Subscribe(dial(t, srv), stream.SubscribeOptions{
		Keys:  []string{"events"},
		Block: time.Second,
		Count: 2,
		From:  map[string]stream.EntryID{"events": {}},
	})
	require.NoError(t, err)
	defer sub.Close()

	first, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, ids[0], first[0].ID)
	assert.Equal(t, ids[1], first[1].ID)

	second, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, ids[2], second[0].ID)

	assert.Equal(t, 2, srv.CommandCount("XREAD"))
	assert.Contains(t, srv.Commands(), "XREAD COUNT 2 BLOCK 1000 STREAMS events 0-0")
	assert.Contains(t, srv.Commands(), "XREAD COUNT 2 BLOCK 1000 STREAMS events 2-1")
}

func TestSubscriptionAbsorbsEmptyPolls(t *testing.T) {
	srv := startServer(t)
	pub := stream.NewClient(dial(t, srv))
	ctx := context.Background()

	sub, err := stream.Subscribe(dial(t, srv), stream.SubscribeOptions{
		Keys:  []string{"lazy"},
		Block: 100 * time.Millisecond,
		From:  map[string]stream.EntryID{"lazy": {}},
	})
	require.NoError(t, err)
	defer sub.Close()

	type result struct {
		batch []stream.Entry
		err   error
	}
	results := make(chan result, 1)
	go func() {
		batch, err := sub.Next(ctx)
		results <- result{batch, err}
	}()

	// Several block windows elapse with nothing to read
	time.Sleep(350 * time.Millisecond)
	select {
	case r := <-results:
		t.Fatalf("Next returned during empty polls: %v %v", r.batch, r.err)
	default:
	}
	polls := srv.CommandCount("XREAD")
	assert.GreaterOrEqual(t, polls, 2, "empty polls must be retried")

	id, err := pub.AddAutoID(ctx, "lazy", stream.F("n", "1"))
	require.NoError(t, err)

	select {
	case r := <-results:
		require.NoError(t, r.err)
		require.Len(t, r.batch, 1)
		assert.Equal(t, id, r.batch[0].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("Next did not return after an entry was appended")
	}

	// Empty polls never move the cursor: every poll so far asked for the
	// same position.
	for _, line := range srv.Commands() {
		if strings.HasPrefix(line, "XREAD ") {
			assert.Equal(t, "XREAD BLOCK 100 STREAMS lazy 0-0", line)
		}
	}
}

func TestSubscriptionBackpressure(t *testing.T) {
	srv := startServer(t)
	pub := stream.NewClient(dial(t, srv))
	ctx := context.Background()

	for _, id := range []stream.EntryID{{Ms: 1, Seq: 1}, {Ms: 2, Seq: 1}} {
		_, err := pub.Add(ctx, "events", id, stream.F("n", id.String()))
		require.NoError(t, err)
	}

	sub, err := stream.Subscribe(dial(t, srv), stream.SubscribeOptions{
		Keys:  []string{"events"},
		Block: time.Second,
		Count: 1,
		From:  map[string]stream.EntryID{"events": {}},
	})
	require.NoError(t, err)
	defer sub.Close()

	batch, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	// No Next call, no poll: a slow consumer leaves entries on the server
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, srv.CommandCount("XREAD"))

	batch, err = sub.Next(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, stream.EntryID{Ms: 2, Seq: 1}, batch[0].ID)
	assert.Equal(t, 2, srv.CommandCount("XREAD"))
}

func TestSubscriptionMultipleKeys(t *testing.T) {
	srv := startServer(t)
	pub := stream.NewClient(dial(t, srv))
	ctx := context.Background()

	_, err := pub.Add(ctx, "ev-a", stream.EntryID{Ms: 1, Seq: 1}, stream.F("src", "a"))
	require.NoError(t, err)
	_, err = pub.Add(ctx, "ev-b", stream.EntryID{Ms: 2, Seq: 1}, stream.F("src", "b"))
	require.NoError(t, err)

	sub, err := stream.Subscribe(dial(t, srv), stream.SubscribeOptions{
		Keys:  []string{"ev-a", "ev-b"},
		Block: time.Second,
		From: map[string]stream.EntryID{
			"ev-a": {},
			"ev-b": {},
		},
	})
	require.NoError(t, err)
	defer sub.Close()

	// One poll covers both streams
	batch, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "ev-a", batch[0].Stream)
	assert.Equal(t, "ev-b", batch[1].Stream)

	_, err = pub.Add(ctx, "ev-a", stream.EntryID{Ms: 3, Seq: 1}, stream.F("src", "a"))
	require.NoError(t, err)

	batch, err = sub.Next(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "ev-a", batch[0].Stream)
	assert.Equal(t, stream.EntryID{Ms: 3, Seq: 1}, batch[0].ID)

	// Cursors advance per key, visible in the polls themselves
	assert.Contains(t, srv.Commands(), "XREAD BLOCK 1000 STREAMS ev-a ev-b 0-0 0-0")
	assert.Contains(t, srv.Commands(), "XREAD BLOCK 1000 STREAMS ev-a ev-b 1-1 2-1")
}

func TestGroupSubscriptionDelivery(t *testing.T) {
	srv := startServer(t)
	pub := stream.NewClient(dial(t, srv))
	ctx := context.Background()

	require.NoError(t, pub.EnsureGroup(ctx, "jobs", "workers"))

	id1, err := pub.AddAutoID(ctx, "jobs", stream.F("task", "one"))
	require.NoError(t, err)
	id2, err := pub.AddAutoID(ctx, "jobs", stream.F("task", "two"))
	require.NoError(t, err)

	alice, err := stream.Subscribe(dial(t, srv), stream.SubscribeOptions{
		Keys:  []string{"jobs"},
		Group: &stream.Group{Name: "workers", Consumer: "alice"},
		Block: time.Second,
	})
	require.NoError(t, err)
	defer alice.Close()

	batch, err := alice.Next(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, id1, batch[0].ID)
	assert.Equal(t, id2, batch[1].ID)

	// Group polls always use the delivery cursor, never a concrete id
	assert.Contains(t, srv.Commands(), "XREADGROUP GROUP workers alice BLOCK 1000 STREAMS jobs >")

	// A later entry goes to the next consumer that asks; the first two
	// are already delivered and stay with alice until acknowledged.
	id3, err := pub.AddAutoID(ctx, "jobs", stream.F("task", "three"))
	require.NoError(t, err)

	bob, err := stream.Subscribe(dial(t, srv), stream.SubscribeOptions{
		Keys:  []string{"jobs"},
		Group: &stream.Group{Name: "workers", Consumer: "bob"},
		Block: time.Second,
	})
	require.NoError(t, err)
	defer bob.Close()

	batch, err = bob.Next(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, id3, batch[0].ID)

	n, err := pub.Ack(ctx, "jobs", "workers", id1, id2, id3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestGroupSubscriptionUnknownGroup(t *testing.T) {
	srv := startServer(t)
	conn := dial(t, srv)

	sub, err := stream.Subscribe(conn, stream.SubscribeOptions{
		Keys:  []string{"ghost"},
		Group: &stream.Group{Name: "workers", Consumer: "alice"},
		Block: time.Second,
	})
	require.NoError(t, err)
	defer sub.Close()

	_, err = sub.Next(context.Background())
	var serverErr *redisclient.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "NOGROUP", serverErr.Code())

	// The error is terminal: the conn is gone and no more polls happen
	assert.True(t, conn.Closed())
	_, err2 := sub.Next(context.Background())
	assert.Equal(t, err, err2)
	assert.Equal(t, err, sub.Err())
	assert.Equal(t, 1, srv.CommandCount("XREADGROUP"))
}

func TestSubscriptionCloseUnblocksNext(t *testing.T) {
	srv := startServer(t)

	sub, err := stream.Subscribe(dial(t, srv), stream.SubscribeOptions{
		Keys: []string{"events"},
	})
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		errs <- err
	}()

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, sub.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, stream.ErrSubscriptionClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not unblock Next")
	}

	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, stream.ErrSubscriptionClosed)
	require.NoError(t, sub.Close(), "Close is idempotent")
}

func TestSubscriptionContextCancel(t *testing.T) {
	srv := startServer(t)

	sub, err := stream.Subscribe(dial(t, srv), stream.SubscribeOptions{
		Keys: []string{"events"},
	})
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := sub.Next(ctx)
		errs <- err
	}()

	time.Sleep(150 * time.Millisecond)
	cancel()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not unblock Next")
	}

	// Cancellation kills the subscription, not just the one call
	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}
