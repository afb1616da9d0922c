package stream

import (
	"fmt"
	"time"

	redisclient "github.com/raniellyferreira/redis-stream-client"
)

// Cursor tokens with server-side meaning. "$" addresses the current tail
// of a stream, so a poll from it sees only entries added afterwards. ">"
// is the consumer-group delivery cursor: entries never delivered to any
// consumer of the group.
const (
	cursorTail       = "$"
	cursorNewInGroup = ">"
)

// Group names a consumer group plus the consumer identity within it
type Group struct {
	Name     string
	Consumer string
}

// StreamOffset names a position inside one stream: reads using it return
// entries with ids strictly greater than ID. The zero ID addresses the
// very beginning of the stream.
type StreamOffset struct {
	Key string
	ID  EntryID
}

// RangeBound is one end of a Range interval: a concrete entry id, or one
// of the open markers RangeMin/RangeMax
type RangeBound struct {
	token string
}

var (
	// RangeMin addresses the lowest possible entry id
	RangeMin = RangeBound{token: "-"}

	// RangeMax addresses the highest possible entry id
	RangeMax = RangeBound{token: "+"}
)

// Bound addresses a concrete entry id (inclusive on both ends of XRANGE)
func Bound(id EntryID) RangeBound {
	return RangeBound{token: id.String()}
}

// String returns the wire token for the bound
func (b RangeBound) String() string {
	return b.token
}

// SubscribeOptions configures a Subscription. Options are fixed once the
// subscription starts.
type SubscribeOptions struct {
	// Keys are the stream keys to consume. At least one is required;
	// polls list them in this order.
	Keys []string

	// Group, when set, polls through the consumer group delivery cursor
	// (XREADGROUP) instead of plain XREAD. The group must already exist;
	// use Client.EnsureGroup first. Entries must be acknowledged
	// explicitly with Client.Ack.
	Group *Group

	// Block is how long the server holds each poll open waiting for new
	// entries before answering nil. Zero means wait indefinitely.
	Block time.Duration

	// Count caps the number of entries returned per stream per poll.
	// Zero means no cap.
	Count int64

	// From resumes a plain subscription after known ids: a key listed
	// here starts polling after that id instead of at the stream tail.
	// Ignored for group subscriptions, which always use the group
	// cursor.
	From map[string]EntryID
}

func (o *SubscribeOptions) validate() error {
	if len(o.Keys) == 0 {
		return fmt.Errorf("%w: at least one stream key is required", redisclient.ErrInvalidConfig)
	}
	for _, k := range o.Keys {
		if k == "" {
			return fmt.Errorf("%w: empty stream key", redisclient.ErrInvalidConfig)
		}
	}
	if o.Group != nil && (o.Group.Name == "" || o.Group.Consumer == "") {
		return fmt.Errorf("%w: group subscriptions need a group name and a consumer name", redisclient.ErrInvalidConfig)
	}
	if o.Block < 0 {
		return fmt.Errorf("%w: negative block duration", redisclient.ErrInvalidConfig)
	}
	if o.Block > 0 && o.Block < time.Millisecond {
		return fmt.Errorf("%w: block duration below 1ms would poll indefinitely", redisclient.ErrInvalidConfig)
	}
	if o.Count < 0 {
		return fmt.Errorf("%w: negative count", redisclient.ErrInvalidConfig)
	}
	return nil
}

// initialCursor returns the first poll's cursor token for key
func (o *SubscribeOptions) initialCursor(key string) string {
	if o.Group != nil {
		return cursorNewInGroup
	}
	if id, ok := o.From[key]; ok {
		return id.String()
	}
	return cursorTail
}
