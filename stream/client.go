package stream

import (
	"context"
	"errors"
	"fmt"

	redisclient "github.com/raniellyferreira/redis-stream-client"
)

// Client issues plain request/response stream commands over a Conn:
// publishing, acknowledgements, group management, and explicit reads.
// It does not take ownership of the Conn; the caller may keep using it
// for other commands between calls, but never concurrently.
//
// Example:
//
//	client := stream.NewClient(conn)
//	id, err := client.AddAutoID(ctx, "events", stream.F("type", "click"))
type Client struct {
	conn *redisclient.Conn
}

// NewClient wraps an established connection
func NewClient(conn *redisclient.Conn) *Client {
	return &Client{conn: conn}
}

// AddAutoID appends an entry to key with a server-assigned id and
// returns the id the server chose
func (c *Client) AddAutoID(ctx context.Context, key string, fields ...EntryField) (EntryID, error) {
	return c.add(ctx, key, "*", fields)
}

// Add appends an entry with an explicit id. The server rejects ids not
// strictly greater than the current last entry; that surfaces as a
// *ServerError.
func (c *Client) Add(ctx context.Context, key string, id EntryID, fields ...EntryField) (EntryID, error) {
	return c.add(ctx, key, id.String(), fields)
}

func (c *Client) add(ctx context.Context, key, idToken string, fields []EntryField) (EntryID, error) {
	if len(fields) == 0 {
		return EntryID{}, fmt.Errorf("%w: XADD needs at least one field", redisclient.ErrInvalidCommand)
	}

	cmd := redisclient.NewCommand("XADD", key, idToken)
	for _, f := range fields {
		cmd.Arg(f.Name).Arg(f.Value)
	}

	reply, err := c.conn.Do(ctx, cmd)
	if err != nil {
		return EntryID{}, err
	}
	text, err := reply.Text()
	if err != nil {
		return EntryID{}, shapeError("XADD reply is not an id", err)
	}
	assigned, err := ParseEntryID(text)
	if err != nil {
		return EntryID{}, shapeError("XADD reply is not an id", err)
	}
	return assigned, nil
}

// Ack acknowledges delivered entries for a consumer group and returns
// how many the server actually removed from the pending list. Already
// acknowledged or unknown ids are not errors; they just do not count.
func (c *Client) Ack(ctx context.Context, key, group string, ids ...EntryID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	cmd := redisclient.NewCommand("XACK", key, group)
	for _, id := range ids {
		cmd.Arg(id.String())
	}

	reply, err := c.conn.Do(ctx, cmd)
	if err != nil {
		return 0, err
	}
	n, err := reply.Int64()
	if err != nil {
		return 0, shapeError("XACK reply is not an integer", err)
	}
	return n, nil
}

// EnsureGroup creates a consumer group reading new entries from the
// current tail, creating the stream itself if needed. Calling it for a
// group that already exists is not an error.
func (c *Client) EnsureGroup(ctx context.Context, key, group string) error {
	cmd := redisclient.NewCommand("XGROUP", "CREATE", key, group, cursorTail, "MKSTREAM")
	_, err := c.conn.Do(ctx, cmd)

	var serverErr *redisclient.ServerError
	if errors.As(err, &serverErr) && serverErr.Code() == "BUSYGROUP" {
		return nil
	}
	return err
}

// Range reads entries of one stream with ids inside [start, end], oldest
// first. count caps the result; 0 means no cap.
func (c *Client) Range(ctx context.Context, key string, start, end RangeBound, count int64) ([]Entry, error) {
	if start.token == "" || end.token == "" {
		return nil, fmt.Errorf("%w: range bounds must be ids or RangeMin/RangeMax", redisclient.ErrInvalidCommand)
	}

	cmd := redisclient.NewCommand("XRANGE", key, start.token, end.token)
	if count > 0 {
		cmd.Arg("COUNT").Arg(count)
	}

	reply, err := c.conn.Do(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return parseEntryList(key, reply)
}

// Read returns entries strictly after the given per-stream positions
// without blocking. A nil result means nothing newer exists.
func (c *Client) Read(ctx context.Context, offsets []StreamOffset, count int64) ([]Entry, error) {
	if len(offsets) == 0 {
		return nil, fmt.Errorf("%w: XREAD needs at least one stream offset", redisclient.ErrInvalidCommand)
	}

	cmd := redisclient.NewCommand("XREAD")
	if count > 0 {
		cmd.Arg("COUNT").Arg(count)
	}
	cmd.Arg("STREAMS")
	for _, o := range offsets {
		cmd.Arg(o.Key)
	}
	for _, o := range offsets {
		cmd.Arg(o.ID.String())
	}

	reply, err := c.conn.Do(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if reply.IsNull {
		return nil, nil
	}
	return parseStreamsReply(reply)
}

// Pending re-reads entries already delivered to this consumer but not
// yet acknowledged, starting after the given per-stream positions. Use
// zero ids to cover each stream's whole pending list. count caps the
// result per stream; 0 means no cap.
func (c *Client) Pending(ctx context.Context, group Group, offsets []StreamOffset, count int64) ([]Entry, error) {
	if group.Name == "" || group.Consumer == "" {
		return nil, fmt.Errorf("%w: pending reads need a group name and a consumer name", redisclient.ErrInvalidCommand)
	}
	if len(offsets) == 0 {
		return nil, fmt.Errorf("%w: pending reads need at least one stream offset", redisclient.ErrInvalidCommand)
	}

	cmd := redisclient.NewCommand("XREADGROUP", "GROUP", group.Name, group.Consumer)
	if count > 0 {
		cmd.Arg("COUNT").Arg(count)
	}
	cmd.Arg("STREAMS")
	for _, o := range offsets {
		cmd.Arg(o.Key)
	}
	for _, o := range offsets {
		cmd.Arg(o.ID.String())
	}

	reply, err := c.conn.Do(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if reply.IsNull {
		return nil, nil
	}
	return parseStreamsReply(reply)
}
