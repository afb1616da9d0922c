// Package stream provides Redis stream publishing and consumption on top
// of a redisclient.Conn: XADD publishing, explicit reads, consumer groups
// with acknowledgements, and a pull-based subscription loop.
package stream

import (
	"fmt"
	"strconv"
	"strings"

	redisclient "github.com/raniellyferreira/redis-stream-client"
	"github.com/raniellyferreira/redis-stream-client/protocol"
)

// EntryID identifies one entry inside a stream. IDs order first by
// millisecond timestamp, then by sequence number within that
// millisecond. The textual form is "<ms>-<seq>".
type EntryID struct {
	Ms  uint64
	Seq uint64
}

// ParseEntryID parses the textual "<ms>-<seq>" form
func ParseEntryID(s string) (EntryID, error) {
	dash := strings.IndexByte(s, '-')
	if dash <= 0 || dash == len(s)-1 {
		return EntryID{}, fmt.Errorf("invalid entry id %q: expected <ms>-<seq>", s)
	}
	ms, err := strconv.ParseUint(s[:dash], 10, 64)
	if err != nil {
		return EntryID{}, fmt.Errorf("invalid entry id %q: %w", s, err)
	}
	seq, err := strconv.ParseUint(s[dash+1:], 10, 64)
	if err != nil {
		return EntryID{}, fmt.Errorf("invalid entry id %q: %w", s, err)
	}
	return EntryID{Ms: ms, Seq: seq}, nil
}

// String returns the textual "<ms>-<seq>" form
func (id EntryID) String() string {
	return strconv.FormatUint(id.Ms, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

// Compare returns -1, 0 or 1 ordering id against other
func (id EntryID) Compare(other EntryID) int {
	switch {
	case id.Ms < other.Ms:
		return -1
	case id.Ms > other.Ms:
		return 1
	case id.Seq < other.Seq:
		return -1
	case id.Seq > other.Seq:
		return 1
	default:
		return 0
	}
}

// Less reports whether id orders strictly before other
func (id EntryID) Less(other EntryID) bool {
	return id.Compare(other) < 0
}

// IsZero reports whether id is the zero id "0-0"
func (id EntryID) IsZero() bool {
	return id.Ms == 0 && id.Seq == 0
}

// Next returns the smallest id strictly greater than id, for paging
// through ranges with an exclusive lower bound
func (id EntryID) Next() EntryID {
	if id.Seq == ^uint64(0) {
		return EntryID{Ms: id.Ms + 1, Seq: 0}
	}
	return EntryID{Ms: id.Ms, Seq: id.Seq + 1}
}

// EntryField is one field/value pair of an entry. Names are text by
// convention; values are binary-safe.
type EntryField struct {
	Name  string
	Value []byte
}

// F builds a text field pair
func F(name, value string) EntryField {
	return EntryField{Name: name, Value: []byte(value)}
}

// Entry is one stream entry: the stream it came from, its id, and its
// field pairs in server order.
type Entry struct {
	Stream string
	ID     EntryID
	Fields []EntryField
}

// Field returns the value of the first field with the given name
func (e Entry) Field(name string) ([]byte, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Map returns the fields as a map, keeping the last value for a
// duplicated name. Order and duplicates are preserved only in Fields.
func (e Entry) Map() map[string]string {
	m := make(map[string]string, len(e.Fields))
	for _, f := range e.Fields {
		m[f.Name] = string(f.Value)
	}
	return m
}

// parseStreamsReply parses the XREAD/XREADGROUP reply shape: an array of
// per-stream pairs [key, [[id, [field value ...]] ...]], flattened into
// one slice in server order.
func parseStreamsReply(reply protocol.Value) ([]Entry, error) {
	streams, err := reply.Slice()
	if err != nil {
		return nil, shapeError("stream reply is not an array", err)
	}

	var entries []Entry
	for _, s := range streams {
		pair, err := s.Slice()
		if err != nil {
			return nil, shapeError("stream element is not a [key, entries] pair", err)
		}
		if len(pair) != 2 {
			return nil, shapeError(fmt.Sprintf("stream element has %d parts, expected 2", len(pair)), nil)
		}
		key, err := pair[0].Text()
		if err != nil {
			return nil, shapeError("stream key is not a string", err)
		}
		keyEntries, err := parseEntryList(key, pair[1])
		if err != nil {
			return nil, err
		}
		entries = append(entries, keyEntries...)
	}
	return entries, nil
}

// parseEntryList parses the XRANGE reply shape: an array of
// [id, [field value ...]] pairs belonging to a single stream.
func parseEntryList(key string, v protocol.Value) ([]Entry, error) {
	items, err := v.Slice()
	if err != nil {
		return nil, shapeError("entry list is not an array", err)
	}
	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		e, err := parseEntry(key, item)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func parseEntry(key string, v protocol.Value) (Entry, error) {
	pair, err := v.Slice()
	if err != nil {
		return Entry{}, shapeError("entry is not an [id, fields] pair", err)
	}
	if len(pair) != 2 {
		return Entry{}, shapeError(fmt.Sprintf("entry has %d parts, expected 2", len(pair)), nil)
	}

	idText, err := pair[0].Text()
	if err != nil {
		return Entry{}, shapeError("entry id is not a string", err)
	}
	id, err := ParseEntryID(idText)
	if err != nil {
		return Entry{}, shapeError("entry id does not parse", err)
	}

	entry := Entry{Stream: key, ID: id}

	// A nil field array appears when a pending entry was deleted from
	// the stream; the id is still real.
	if pair[1].IsNull {
		return entry, nil
	}

	fieldVals, err := pair[1].Slice()
	if err != nil {
		return Entry{}, shapeError("entry fields are not an array", err)
	}
	if len(fieldVals)%2 != 0 {
		return Entry{}, shapeError(fmt.Sprintf("entry has %d field items, expected pairs", len(fieldVals)), nil)
	}

	entry.Fields = make([]EntryField, 0, len(fieldVals)/2)
	for i := 0; i < len(fieldVals); i += 2 {
		name, err := fieldVals[i].Text()
		if err != nil {
			return Entry{}, shapeError("field name is not a string", err)
		}
		entry.Fields = append(entry.Fields, EntryField{
			Name:  name,
			Value: fieldVals[i+1].Bytes(),
		})
	}
	return entry, nil
}

func shapeError(msg string, err error) error {
	return &redisclient.ProtocolError{Message: msg, Err: err}
}
