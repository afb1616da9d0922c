package redistest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/raniellyferreira/redis-stream-client/protocol"
)

var (
	errSyntax     = errors.New("ERR syntax error")
	errNotInteger = errors.New("ERR value is not an integer or out of range")
	errBadTimeout = errors.New("ERR timeout is not an integer or out of range")
)

func wrongArity(name string) string {
	return fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(name))
}

func bytesToStrings(args [][]byte) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = string(a)
	}
	return out
}

// Strings and generic commands

func (c *client) handlePing(cmd *protocol.Command) {
	switch len(cmd.Args) {
	case 0:
		c.writeString("PONG")
	case 1:
		c.writeBulkString(cmd.Args[0])
	default:
		c.writeError(wrongArity("ping"))
	}
}

func (c *client) handleEcho(cmd *protocol.Command) {
	if len(cmd.Args) != 1 {
		c.writeError(wrongArity("echo"))
		return
	}
	c.writeBulkString(cmd.Args[0])
}

func (c *client) handleSet(cmd *protocol.Command) {
	if len(cmd.Args) < 2 {
		c.writeError(wrongArity("set"))
		return
	}
	if len(cmd.Args) > 2 {
		// Expiry and conditional options are not implemented
		c.writeError(errSyntax.Error())
		return
	}
	c.server.store.set(string(cmd.Args[0]), string(cmd.Args[1]))
	c.writeString("OK")
}

func (c *client) handleGet(cmd *protocol.Command) {
	if len(cmd.Args) != 1 {
		c.writeError(wrongArity("get"))
		return
	}
	value, ok := c.server.store.get(string(cmd.Args[0]))
	if !ok {
		c.writeNull()
		return
	}
	c.writeBulkString([]byte(value))
}

func (c *client) handleDel(cmd *protocol.Command) {
	if len(cmd.Args) == 0 {
		c.writeError(wrongArity("del"))
		return
	}
	c.writeInteger(c.server.store.del(bytesToStrings(cmd.Args)...))
}

func (c *client) handleExists(cmd *protocol.Command) {
	if len(cmd.Args) == 0 {
		c.writeError(wrongArity("exists"))
		return
	}
	c.writeInteger(c.server.store.exists(bytesToStrings(cmd.Args)...))
}

func (c *client) handleType(cmd *protocol.Command) {
	if len(cmd.Args) != 1 {
		c.writeError(wrongArity("type"))
		return
	}
	c.writeString(c.server.store.typeOf(string(cmd.Args[0])))
}

func (c *client) handleFlushAll(cmd *protocol.Command) {
	if len(cmd.Args) != 0 {
		c.writeError(wrongArity("flushall"))
		return
	}
	c.server.store.flushAll()
	c.writeString("OK")
}

// Stream commands

func (c *client) handleXAdd(cmd *protocol.Command) {
	// XADD key id field value [field value ...]
	if len(cmd.Args) < 4 || len(cmd.Args)%2 != 0 {
		c.writeError(wrongArity("xadd"))
		return
	}
	id, err := c.server.store.xadd(
		string(cmd.Args[0]),
		string(cmd.Args[1]),
		bytesToStrings(cmd.Args[2:]),
	)
	if err != nil {
		c.writeError(err.Error())
		return
	}
	c.writeBulkString([]byte(id.String()))
}

func (c *client) handleXLen(cmd *protocol.Command) {
	if len(cmd.Args) != 1 {
		c.writeError(wrongArity("xlen"))
		return
	}
	n, err := c.server.store.xlen(string(cmd.Args[0]))
	if err != nil {
		c.writeError(err.Error())
		return
	}
	c.writeInteger(n)
}

func (c *client) handleXRange(cmd *protocol.Command) {
	// XRANGE key start end [COUNT n]
	if len(cmd.Args) != 3 && len(cmd.Args) != 5 {
		c.writeError(wrongArity("xrange"))
		return
	}
	start, err := parseRangeBound(string(cmd.Args[1]), true)
	if err != nil {
		c.writeError(err.Error())
		return
	}
	end, err := parseRangeBound(string(cmd.Args[2]), false)
	if err != nil {
		c.writeError(err.Error())
		return
	}
	var count int64
	if len(cmd.Args) == 5 {
		if !strings.EqualFold(string(cmd.Args[3]), "COUNT") {
			c.writeError(errSyntax.Error())
			return
		}
		count, err = strconv.ParseInt(string(cmd.Args[4]), 10, 64)
		if err != nil {
			c.writeError(errNotInteger.Error())
			return
		}
	}
	entries, err := c.server.store.xrange(string(cmd.Args[0]), start, end, count)
	if err != nil {
		c.writeError(err.Error())
		return
	}
	c.writeEntries(entries)
}

func (c *client) handleXTrim(cmd *protocol.Command) {
	// XTRIM key MAXLEN [~|=] n
	if len(cmd.Args) < 3 {
		c.writeError(wrongArity("xtrim"))
		return
	}
	if !strings.EqualFold(string(cmd.Args[1]), "MAXLEN") {
		c.writeError(errSyntax.Error())
		return
	}
	rest := cmd.Args[2:]
	if s := string(rest[0]); s == "~" || s == "=" {
		rest = rest[1:]
	}
	if len(rest) != 1 {
		c.writeError(errSyntax.Error())
		return
	}
	maxLen, err := strconv.ParseInt(string(rest[0]), 10, 64)
	if err != nil || maxLen < 0 {
		c.writeError(errNotInteger.Error())
		return
	}
	removed, err := c.server.store.xtrim(string(cmd.Args[0]), maxLen)
	if err != nil {
		c.writeError(err.Error())
		return
	}
	c.writeInteger(removed)
}

func (c *client) handleXRead(cmd *protocol.Command) {
	ra, err := parseReadArgs("XREAD", cmd.Args, false)
	if err != nil {
		c.writeError(err.Error())
		return
	}
	after, err := c.server.store.resolveCursors(ra.keys, ra.ids)
	if err != nil {
		c.writeError(err.Error())
		return
	}
	batches, err := c.server.store.readWait(c.ctx, ra.keys, after, ra.count, ra.block, ra.hasBlock)
	if err != nil {
		c.writeError(err.Error())
		return
	}
	if len(batches) == 0 {
		c.writeNullArray()
		return
	}
	c.writeBatches(batches)
}

func (c *client) handleXReadGroup(cmd *protocol.Command) {
	ra, err := parseReadArgs("XREADGROUP", cmd.Args, true)
	if err != nil {
		c.writeError(err.Error())
		return
	}
	batches, err := c.server.store.groupReadWait(
		c.ctx, ra.group, ra.consumer, ra.keys, ra.ids,
		ra.count, ra.block, ra.hasBlock, ra.noAck,
	)
	if err != nil {
		c.writeError(err.Error())
		return
	}
	if len(batches) == 0 {
		c.writeNullArray()
		return
	}
	c.writeBatches(batches)
}

func (c *client) handleXAck(cmd *protocol.Command) {
	// XACK key group id [id ...]
	if len(cmd.Args) < 3 {
		c.writeError(wrongArity("xack"))
		return
	}
	ids := make([]entryID, len(cmd.Args)-2)
	for i, raw := range cmd.Args[2:] {
		id, err := parseEntryID(string(raw), 0)
		if err != nil {
			c.writeError(err.Error())
			return
		}
		ids[i] = id
	}
	c.writeInteger(c.server.store.ack(string(cmd.Args[0]), string(cmd.Args[1]), ids))
}

func (c *client) handleXGroup(cmd *protocol.Command) {
	if len(cmd.Args) == 0 {
		c.writeError(wrongArity("xgroup"))
		return
	}
	sub := strings.ToUpper(string(cmd.Args[0]))
	switch sub {
	case "CREATE":
		// XGROUP CREATE key group id [MKSTREAM]
		if len(cmd.Args) < 4 {
			c.writeError(wrongArity("xgroup"))
			return
		}
		mkstream := false
		for _, a := range cmd.Args[4:] {
			if !strings.EqualFold(string(a), "MKSTREAM") {
				c.writeError(errSyntax.Error())
				return
			}
			mkstream = true
		}
		err := c.server.store.groupCreate(
			string(cmd.Args[1]), string(cmd.Args[2]), string(cmd.Args[3]), mkstream,
		)
		if err != nil {
			c.writeError(err.Error())
			return
		}
		c.writeString("OK")
	default:
		c.writeError(fmt.Sprintf("ERR unknown XGROUP subcommand or wrong number of arguments for '%s'", sub))
	}
}

// readArgs is the parsed option region of an XREAD/XREADGROUP command.
type readArgs struct {
	group    string
	consumer string
	count    int64
	block    time.Duration
	hasBlock bool
	noAck    bool
	keys     []string
	ids      []string
}

// parseReadArgs parses options up to the STREAMS keyword and splits the
// remainder evenly into keys and ids.
func parseReadArgs(name string, args [][]byte, group bool) (*readArgs, error) {
	ra := &readArgs{}
	i := 0
	if group {
		if len(args) < 3 || !strings.EqualFold(string(args[0]), "GROUP") {
			return nil, errors.New("ERR Missing GROUP keyword or consumer/group name in XREADGROUP")
		}
		ra.group = string(args[1])
		ra.consumer = string(args[2])
		i = 3
	}

	for i < len(args) {
		switch strings.ToUpper(string(args[i])) {
		case "COUNT":
			if i+1 >= len(args) {
				return nil, errSyntax
			}
			n, err := strconv.ParseInt(string(args[i+1]), 10, 64)
			if err != nil {
				return nil, errNotInteger
			}
			ra.count = n
			i += 2
		case "BLOCK":
			if i+1 >= len(args) {
				return nil, errSyntax
			}
			ms, err := strconv.ParseInt(string(args[i+1]), 10, 64)
			if err != nil || ms < 0 {
				return nil, errBadTimeout
			}
			ra.block = time.Duration(ms) * time.Millisecond
			ra.hasBlock = true
			i += 2
		case "NOACK":
			if !group {
				return nil, errSyntax
			}
			ra.noAck = true
			i++
		case "STREAMS":
			rest := args[i+1:]
			if len(rest) == 0 || len(rest)%2 != 0 {
				return nil, fmt.Errorf(
					"ERR Unbalanced %s list of streams: for each stream key an ID or '$' must be specified", name)
			}
			half := len(rest) / 2
			ra.keys = bytesToStrings(rest[:half])
			ra.ids = bytesToStrings(rest[half:])
			return ra, nil
		default:
			return nil, errSyntax
		}
	}
	return nil, errSyntax
}

// Scripting commands

func (c *client) handleEval(cmd *protocol.Command) {
	script, keys, args, ok := c.parseEvalArgs(cmd, "eval")
	if !ok {
		return
	}
	result, err := c.server.lua.Eval(script, keys, args)
	if err != nil {
		c.writeError(fmt.Sprintf("ERR %v", err))
		return
	}
	c.writeResult(result)
}

func (c *client) handleEvalSHA(cmd *protocol.Command) {
	sha, keys, args, ok := c.parseEvalArgs(cmd, "evalsha")
	if !ok {
		return
	}
	result, err := c.server.lua.EvalSHA(sha, keys, args)
	if err != nil {
		c.writeError(fmt.Sprintf("ERR %v", err))
		return
	}
	c.writeResult(result)
}

// parseEvalArgs parses "<script|sha> <numkeys> key... arg..." and writes
// the error reply itself when the shape is invalid.
func (c *client) parseEvalArgs(cmd *protocol.Command, name string) (string, []string, []string, bool) {
	if len(cmd.Args) < 2 {
		c.writeError(wrongArity(name))
		return "", nil, nil, false
	}
	numKeys, err := strconv.Atoi(string(cmd.Args[1]))
	if err != nil {
		c.writeError(errNotInteger.Error())
		return "", nil, nil, false
	}
	if numKeys < 0 || len(cmd.Args) < 2+numKeys {
		c.writeError("ERR Number of keys can't be negative or greater than args")
		return "", nil, nil, false
	}
	keys := bytesToStrings(cmd.Args[2 : 2+numKeys])
	args := bytesToStrings(cmd.Args[2+numKeys:])
	return string(cmd.Args[0]), keys, args, true
}

func (c *client) handleScript(cmd *protocol.Command) {
	if len(cmd.Args) == 0 {
		c.writeError(wrongArity("script"))
		return
	}

	subCmd := strings.ToUpper(string(cmd.Args[0]))
	switch subCmd {
	case "LOAD":
		if len(cmd.Args) != 2 {
			c.writeError(wrongArity("script|load"))
			return
		}
		sha := c.server.lua.LoadScript(string(cmd.Args[1]))
		c.writeBulkString([]byte(sha))

	case "EXISTS":
		if len(cmd.Args) < 2 {
			c.writeError(wrongArity("script|exists"))
			return
		}
		results := c.server.lua.ScriptExists(bytesToStrings(cmd.Args[1:]))
		array := make([]interface{}, len(results))
		for i, exists := range results {
			if exists {
				array[i] = int64(1)
			} else {
				array[i] = int64(0)
			}
		}
		c.writeArray(array)

	case "FLUSH":
		c.server.lua.ScriptFlush()
		c.writeString("OK")

	default:
		c.writeError(fmt.Sprintf("ERR unknown SCRIPT subcommand '%s'", subCmd))
	}
}
