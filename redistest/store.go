package redistest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/edwingeng/deque/v2"
)

// Errors with wire-level messages, written verbatim as RESP error replies.
var (
	errWrongType       = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")
	errInvalidStreamID = errors.New("ERR Invalid stream ID specified as stream command argument")
	errIDTooSmall      = errors.New("ERR The ID specified in XADD is equal or smaller than the target stream top item")
	errIDZero          = errors.New("ERR The ID specified in XADD must be greater than 0-0")
	errBusyGroup       = errors.New("BUSYGROUP Consumer Group name already exists")
	errNeedMkStream    = errors.New("ERR The XGROUP subcommand requires the key to exist. Note that for CREATE you may want to use the MKSTREAM option to create an empty stream automatically")
)

// entryID is a stream entry id: a millisecond timestamp plus a sequence
// number distinguishing entries created in the same millisecond.
type entryID struct {
	ms  uint64
	seq uint64
}

func (id entryID) String() string {
	return strconv.FormatUint(id.ms, 10) + "-" + strconv.FormatUint(id.seq, 10)
}

func (id entryID) less(other entryID) bool {
	if id.ms != other.ms {
		return id.ms < other.ms
	}
	return id.seq < other.seq
}

// parseEntryID parses "<ms>[-<seq>]". A missing sequence part takes
// defaultSeq: 0 for starts and read cursors, MaxUint64 for range ends.
func parseEntryID(s string, defaultSeq uint64) (entryID, error) {
	msPart, seqPart, hasSeq := strings.Cut(s, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return entryID{}, errInvalidStreamID
	}
	if !hasSeq {
		return entryID{ms: ms, seq: defaultSeq}, nil
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return entryID{}, errInvalidStreamID
	}
	return entryID{ms: ms, seq: seq}, nil
}

// nextAutoID generates the id for XADD with the "*" token: the current
// millisecond with sequence 0, or last.seq+1 when the clock has not
// advanced past the newest entry.
func nextAutoID(last entryID, nowMS uint64) entryID {
	if nowMS > last.ms {
		return entryID{ms: nowMS}
	}
	return entryID{ms: last.ms, seq: last.seq + 1}
}

// streamEntry is one appended entry: its id plus alternating field names
// and values in insertion order.
type streamEntry struct {
	id     entryID
	fields []string
}

// group tracks one consumer group on a stream: the server-side delivery
// cursor and the pending entries list mapping ids to owning consumers.
type group struct {
	lastDelivered entryID
	pending       map[entryID]string
}

// stream is an append-only entry log plus its consumer groups.
type stream struct {
	entries *deque.Deque[streamEntry]
	lastID  entryID
	groups  map[string]*group
}

func newStream() *stream {
	return &stream{
		entries: deque.NewDeque[streamEntry](),
		groups:  make(map[string]*group),
	}
}

// entriesAfter returns up to count entries with ids strictly greater
// than after, in log order. count <= 0 means no limit.
func (st *stream) entriesAfter(after entryID, count int64) []streamEntry {
	var out []streamEntry
	st.entries.Range(func(i int, e streamEntry) bool {
		if !after.less(e.id) {
			return true
		}
		out = append(out, e)
		return count <= 0 || int64(len(out)) < count
	})
	return out
}

// pendingAfter returns up to count entries still pending for the given
// consumer with ids strictly greater than after, in log order.
func (st *stream) pendingAfter(g *group, consumer string, after entryID, count int64) []streamEntry {
	var out []streamEntry
	st.entries.Range(func(i int, e streamEntry) bool {
		if !after.less(e.id) {
			return true
		}
		if owner, ok := g.pending[e.id]; !ok || owner != consumer {
			return true
		}
		out = append(out, e)
		return count <= 0 || int64(len(out)) < count
	})
	return out
}

// streamBatch is the per-key portion of an XREAD/XREADGROUP reply.
type streamBatch struct {
	key     string
	entries []streamEntry
}

// store holds the server dataset: a flat string keyspace plus stream
// logs. A single mutex guards everything; notify is closed and replaced
// whenever any stream grows so blocked readers can re-check.
type store struct {
	mu      sync.Mutex
	strings map[string]string
	streams map[string]*stream
	notify  chan struct{}
}

func newStore() *store {
	return &store{
		strings: make(map[string]string),
		streams: make(map[string]*stream),
		notify:  make(chan struct{}),
	}
}

// broadcast wakes every blocked stream reader. Callers must hold mu.
func (s *store) broadcast() {
	close(s.notify)
	s.notify = make(chan struct{})
}

// String keyspace

func (s *store) get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.strings[key]
	return v, ok
}

func (s *store) set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, key)
	s.strings[key] = value
}

func (s *store) del(keys ...string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, key := range keys {
		if _, ok := s.strings[key]; ok {
			delete(s.strings, key)
			n++
			continue
		}
		if _, ok := s.streams[key]; ok {
			delete(s.streams, key)
			n++
		}
	}
	return n
}

func (s *store) exists(keys ...string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, key := range keys {
		if _, ok := s.strings[key]; ok {
			n++
			continue
		}
		if _, ok := s.streams[key]; ok {
			n++
		}
	}
	return n
}

func (s *store) typeOf(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.strings[key]; ok {
		return "string"
	}
	if _, ok := s.streams[key]; ok {
		return "stream"
	}
	return "none"
}

func (s *store) flushAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings = make(map[string]string)
	s.streams = make(map[string]*stream)
}

// Streams

// xadd appends an entry. rawID is "*" for an auto-generated id or an
// explicit id that must be greater than the newest entry.
func (s *store) xadd(key, rawID string, fields []string) (entryID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.strings[key]; ok {
		return entryID{}, errWrongType
	}

	st := s.streams[key]
	var last entryID
	if st != nil {
		last = st.lastID
	}

	var id entryID
	if rawID == "*" {
		id = nextAutoID(last, uint64(time.Now().UnixMilli()))
	} else {
		parsed, err := parseEntryID(rawID, 0)
		if err != nil {
			return entryID{}, err
		}
		if parsed == (entryID{}) {
			return entryID{}, errIDZero
		}
		if !last.less(parsed) {
			return entryID{}, errIDTooSmall
		}
		id = parsed
	}

	if st == nil {
		st = newStream()
		s.streams[key] = st
	}
	st.entries.PushBack(streamEntry{id: id, fields: fields})
	st.lastID = id
	s.broadcast()
	return id, nil
}

func (s *store) xlen(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.strings[key]; ok {
		return 0, errWrongType
	}
	st, ok := s.streams[key]
	if !ok {
		return 0, nil
	}
	return int64(st.entries.Len()), nil
}

// xrange returns entries with start <= id <= end in log order, capped at
// count when count > 0.
func (s *store) xrange(key string, start, end entryID, count int64) ([]streamEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.strings[key]; ok {
		return nil, errWrongType
	}
	st, ok := s.streams[key]
	if !ok {
		return nil, nil
	}
	var out []streamEntry
	st.entries.Range(func(i int, e streamEntry) bool {
		if e.id.less(start) {
			return true
		}
		if end.less(e.id) {
			return false
		}
		out = append(out, e)
		return count <= 0 || int64(len(out)) < count
	})
	return out, nil
}

// xtrim drops entries from the head until at most maxLen remain,
// returning the number removed.
func (s *store) xtrim(key string, maxLen int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.strings[key]; ok {
		return 0, errWrongType
	}
	st, ok := s.streams[key]
	if !ok {
		return 0, nil
	}
	var removed int64
	for int64(st.entries.Len()) > maxLen {
		st.entries.PopFront()
		removed++
	}
	return removed, nil
}

// resolveCursors turns raw XREAD cursor tokens into concrete ids. "$"
// snapshots the newest id of the stream at call time so only entries
// appended afterwards match.
func (s *store) resolveCursors(keys, raw []string) ([]entryID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]entryID, len(raw))
	for i, r := range raw {
		if r == "$" {
			if st, ok := s.streams[keys[i]]; ok {
				ids[i] = st.lastID
			}
			continue
		}
		id, err := parseEntryID(r, 0)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

// collectRead gathers entries newer than the per-key cursors. Keys with
// nothing new are omitted. The returned channel is the notify channel
// captured under the lock, so a concurrent append cannot be missed
// between the check and a subsequent wait.
func (s *store) collectRead(keys []string, after []entryID, count int64) ([]streamBatch, <-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var batches []streamBatch
	for i, key := range keys {
		if _, ok := s.strings[key]; ok {
			return nil, nil, errWrongType
		}
		st, ok := s.streams[key]
		if !ok {
			continue
		}
		entries := st.entriesAfter(after[i], count)
		if len(entries) > 0 {
			batches = append(batches, streamBatch{key: key, entries: entries})
		}
	}
	return batches, s.notify, nil
}

// readWait implements XREAD: collect entries newer than the cursors,
// and when BLOCK was given wait for data until the timeout passes or
// the connection goes away. A nil batch slice means a null reply.
func (s *store) readWait(ctx context.Context, keys []string, after []entryID, count int64, block time.Duration, doBlock bool) ([]streamBatch, error) {
	var timeout <-chan time.Time
	if doBlock && block > 0 {
		t := time.NewTimer(block)
		defer t.Stop()
		timeout = t.C
	}

	for {
		batches, notify, err := s.collectRead(keys, after, count)
		if err != nil {
			return nil, err
		}
		if len(batches) > 0 || !doBlock {
			return batches, nil
		}
		select {
		case <-notify:
		case <-timeout:
			return nil, nil
		case <-ctx.Done():
			return nil, nil
		}
	}
}

// collectGroupRead gathers entries for XREADGROUP. The ">" cursor
// delivers entries past the group cursor, advances it, and records them
// as pending for the consumer. An explicit id re-reads the consumer's
// pending entries above that id; such keys always produce a batch, even
// an empty one, mirroring the server's history-read reply shape.
func (s *store) collectGroupRead(groupName, consumer string, keys, rawIDs []string, count int64, noAck bool) ([]streamBatch, <-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batches []streamBatch
	for i, key := range keys {
		if _, ok := s.strings[key]; ok {
			return nil, nil, errWrongType
		}
		st, ok := s.streams[key]
		if !ok {
			return nil, nil, noGroupError(key, groupName)
		}
		g, ok := st.groups[groupName]
		if !ok {
			return nil, nil, noGroupError(key, groupName)
		}

		if rawIDs[i] == ">" {
			entries := st.entriesAfter(g.lastDelivered, count)
			if len(entries) == 0 {
				continue
			}
			for _, e := range entries {
				if !noAck {
					g.pending[e.id] = consumer
				}
			}
			g.lastDelivered = entries[len(entries)-1].id
			batches = append(batches, streamBatch{key: key, entries: entries})
			continue
		}

		after, err := parseEntryID(rawIDs[i], 0)
		if err != nil {
			return nil, nil, err
		}
		batches = append(batches, streamBatch{
			key:     key,
			entries: st.pendingAfter(g, consumer, after, count),
		})
	}
	return batches, s.notify, nil
}

// groupReadWait implements XREADGROUP, blocking like readWait when every
// key uses the ">" cursor and none has new entries.
func (s *store) groupReadWait(ctx context.Context, groupName, consumer string, keys, rawIDs []string, count int64, block time.Duration, doBlock, noAck bool) ([]streamBatch, error) {
	var timeout <-chan time.Time
	if doBlock && block > 0 {
		t := time.NewTimer(block)
		defer t.Stop()
		timeout = t.C
	}

	for {
		batches, notify, err := s.collectGroupRead(groupName, consumer, keys, rawIDs, count, noAck)
		if err != nil {
			return nil, err
		}
		if len(batches) > 0 || !doBlock {
			return batches, nil
		}
		select {
		case <-notify:
		case <-timeout:
			return nil, nil
		case <-ctx.Done():
			return nil, nil
		}
	}
}

// groupCreate registers a consumer group with its cursor at startID
// ("$" = newest entry). mkstream creates the stream when missing.
func (s *store) groupCreate(key, name, startID string, mkstream bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.strings[key]; ok {
		return errWrongType
	}
	st, ok := s.streams[key]
	if !ok {
		if !mkstream {
			return errNeedMkStream
		}
		st = newStream()
		s.streams[key] = st
	}
	if _, ok := st.groups[name]; ok {
		return errBusyGroup
	}

	var start entryID
	if startID == "$" {
		start = st.lastID
	} else {
		id, err := parseEntryID(startID, 0)
		if err != nil {
			return err
		}
		start = id
	}
	st.groups[name] = &group{
		lastDelivered: start,
		pending:       make(map[entryID]string),
	}
	return nil
}

// ack removes ids from the group's pending list, returning how many were
// actually pending. Missing keys or groups acknowledge nothing.
func (s *store) ack(key, name string, ids []entryID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[key]
	if !ok {
		return 0
	}
	g, ok := st.groups[name]
	if !ok {
		return 0
	}
	var n int64
	for _, id := range ids {
		if _, ok := g.pending[id]; ok {
			delete(g.pending, id)
			n++
		}
	}
	return n
}

func noGroupError(key, group string) error {
	return fmt.Errorf("NOGROUP No such key '%s' or consumer group '%s' in XREADGROUP with GROUP option", key, group)
}

// maxEntryID is the inclusive upper bound used for the "+" range token.
var maxEntryID = entryID{ms: math.MaxUint64, seq: math.MaxUint64}

// parseRangeBound parses an XRANGE bound: "-" and "+" are the open
// markers, otherwise an id whose missing sequence defaults to the
// extreme matching its side.
func parseRangeBound(s string, isStart bool) (entryID, error) {
	if isStart && s == "-" {
		return entryID{}, nil
	}
	if !isStart && s == "+" {
		return maxEntryID, nil
	}
	if isStart {
		return parseEntryID(s, 0)
	}
	return parseEntryID(s, math.MaxUint64)
}
