// Command redis-stream-cli is an interactive console for Redis built on
// the stream client. It runs one-shot commands, a REPL with history,
// piped batches, and a live stream follower.
//
// Usage:
//
//	redis-stream-cli [flags] [command [arg ...]]
//
// With no command and a terminal on stdin it starts the REPL. With
// --subscribe it follows streams and prints entries as they arrive.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
	"go.uber.org/zap"

	redisclient "github.com/raniellyferreira/redis-stream-client"
	"github.com/raniellyferreira/redis-stream-client/protocol"
	"github.com/raniellyferreira/redis-stream-client/stream"
)

const (
	histFileEnv     = "REDIS_STREAM_CLI_HISTFILE"
	histFileDefault = ".redis_stream_cli_history"
)

type cliConfig struct {
	addr     string
	timeout  time.Duration
	group    string
	consumer string
	block    time.Duration
	count    int64
	logger   redisclient.Logger
}

func main() {
	var addr = flag.String("addr", "localhost:6379", "Server address (host:port)")
	var timeout = flag.Duration("timeout", 5*time.Second, "Connect timeout")
	var subscribe = flag.String("subscribe", "", "Comma-separated stream keys to follow")
	var group = flag.String("group", "", "Consumer group for --subscribe (requires --consumer)")
	var consumer = flag.String("consumer", "", "Consumer name within --group")
	var block = flag.Duration("block", 5*time.Second, "Per-poll block window for --subscribe")
	var count = flag.Int64("count", 0, "Per-poll entry cap for --subscribe (0 = no cap)")
	var verbose = flag.Bool("verbose", false, "Log client internals to stderr")
	var showVersion = flag.Bool("version", false, "Print version and exit")
	var helpFlag = flag.Bool("help", false, "Show help message")
	flag.Parse()

	if *helpFlag {
		printUsage()
		os.Exit(0)
	}
	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	cfg := &cliConfig{
		addr:     *addr,
		timeout:  *timeout,
		group:    *group,
		consumer: *consumer,
		block:    *block,
		count:    *count,
		logger:   buildLogger(*verbose),
	}

	switch {
	case *subscribe != "":
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := follow(ctx, cfg, splitKeys(*subscribe)); err != nil {
			log.Fatalf("subscribe failed: %v", err)
		}

	case flag.NArg() > 0:
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		conn := connect(ctx, cfg)
		defer conn.Close()
		if err := execute(ctx, conn, flag.Args()); err != nil {
			log.Fatalf("command failed: %v", err)
		}

	case isatty.IsTerminal(os.Stdin.Fd()):
		runREPL(cfg)

	default:
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		conn := connect(ctx, cfg)
		defer conn.Close()
		runPiped(ctx, conn)
	}
}

func printUsage() {
	fmt.Println("redis-stream-cli - console for the Redis stream client")
	fmt.Println("=======================================================")
	fmt.Println("Usage: redis-stream-cli [flags] [command [arg ...]]")
	fmt.Println("")
	fmt.Println("Flags:")
	fmt.Println("  --addr        Server address (default: localhost:6379)")
	fmt.Println("  --timeout     Connect timeout (default: 5s)")
	fmt.Println("  --subscribe   Comma-separated stream keys to follow")
	fmt.Println("  --group       Consumer group for --subscribe; entries are")
	fmt.Println("                acknowledged after printing")
	fmt.Println("  --consumer    Consumer name within --group")
	fmt.Println("  --block       Per-poll block window (default: 5s)")
	fmt.Println("  --count       Per-poll entry cap (default: no cap)")
	fmt.Println("  --verbose     Log client internals to stderr")
	fmt.Println("  --version     Print version and exit")
	fmt.Println("")
	fmt.Println("Examples:")
	fmt.Println("  redis-stream-cli XADD events '*' type click")
	fmt.Println("  redis-stream-cli --subscribe=events,audit")
	fmt.Println("  redis-stream-cli --subscribe=jobs --group=workers --consumer=$(hostname)")
	fmt.Println("  echo 'XLEN events' | redis-stream-cli")
}

func printVersion() {
	info := redisclient.VersionInfo()
	fmt.Printf("redis-stream-cli %s", info["version"])
	if commit, ok := info["commit"]; ok {
		fmt.Printf(" (%s)", commit)
	}
	if built, ok := info["buildTime"]; ok {
		fmt.Printf(" built %s", built)
	}
	fmt.Println()
}

// buildLogger keeps the client silent unless --verbose is given
func buildLogger(verbose bool) redisclient.Logger {
	if !verbose {
		return redisclient.NewZapLogger(zap.NewNop())
	}
	zl, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	return redisclient.NewZapLogger(zl)
}

func connect(ctx context.Context, cfg *cliConfig) *redisclient.Conn {
	conn, err := redisclient.Connect(ctx, cfg.addr,
		redisclient.WithConnectTimeout(cfg.timeout),
		redisclient.WithLogger(cfg.logger),
	)
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", cfg.addr, err)
	}
	return conn
}

func splitKeys(s string) []string {
	var keys []string
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// execute runs one command and prints its reply. Server-side errors are
// printed like replies and do not end the session; transport errors do.
func execute(ctx context.Context, conn *redisclient.Conn, args []string) error {
	cmd := redisclient.NewCommand(strings.ToUpper(args[0]))
	for _, a := range args[1:] {
		cmd.Arg(a)
	}

	do := conn.Do
	if isBlockingCommand(args) {
		do = conn.DoBlocking
	}

	reply, err := do(ctx, cmd)
	if err != nil {
		var serverErr *redisclient.ServerError
		if errors.As(err, &serverErr) {
			fmt.Printf("(error) %s\n", serverErr.Message)
			return nil
		}
		return err
	}
	fmt.Print(renderReply(reply, "", ""))
	return nil
}

// isBlockingCommand reports whether the request may be held open by the
// server, so the read deadline must be suspended for the reply
func isBlockingCommand(args []string) bool {
	name := strings.ToUpper(args[0])
	if name != "XREAD" && name != "XREADGROUP" {
		return false
	}
	for _, a := range args[1:] {
		if strings.EqualFold(a, "BLOCK") {
			return true
		}
	}
	return false
}

// renderReply pretty-prints a reply with nested arrays numbered and
// indented, the way redis-cli formats them.
func renderReply(v protocol.Value, head, pad string) string {
	switch v.Type {
	case protocol.TypeSimpleString:
		return head + string(v.Data) + "\n"
	case protocol.TypeError:
		return head + "(error) " + string(v.Data) + "\n"
	case protocol.TypeInteger:
		return head + "(integer) " + strconv.FormatInt(v.Integer, 10) + "\n"
	case protocol.TypeBulkString:
		if v.IsNull {
			return head + "(nil)\n"
		}
		return head + strconv.Quote(string(v.Data)) + "\n"
	case protocol.TypeArray:
		if v.IsNull {
			return head + "(nil)\n"
		}
		if len(v.Array) == 0 {
			return head + "(empty array)\n"
		}
		var b strings.Builder
		for i, item := range v.Array {
			num := strconv.Itoa(i+1) + ") "
			lead := pad + num
			if i == 0 {
				lead = head + num
			}
			b.WriteString(renderReply(item, lead, pad+strings.Repeat(" ", len(num))))
		}
		return b.String()
	default:
		return head + v.String() + "\n"
	}
}

// follow subscribes to the given keys and prints entries until the
// context is cancelled. In group mode every printed batch is
// acknowledged over a second connection.
func follow(ctx context.Context, cfg *cliConfig, keys []string) error {
	if len(keys) == 0 {
		return errors.New("no stream keys given")
	}
	if cfg.group != "" && cfg.consumer == "" {
		return errors.New("--group needs --consumer")
	}

	opts := stream.SubscribeOptions{
		Keys:  keys,
		Block: cfg.block,
		Count: cfg.count,
	}

	var acker *stream.Client
	if cfg.group != "" {
		opts.Group = &stream.Group{Name: cfg.group, Consumer: cfg.consumer}

		ackConn := connect(ctx, cfg)
		defer ackConn.Close()
		acker = stream.NewClient(ackConn)
		for _, key := range keys {
			if err := acker.EnsureGroup(ctx, key, cfg.group); err != nil {
				return fmt.Errorf("ensuring group %q on %q: %w", cfg.group, key, err)
			}
		}
	}

	sub, err := stream.Subscribe(connect(ctx, cfg), opts)
	if err != nil {
		return err
	}
	defer sub.Close()

	fmt.Fprintf(os.Stderr, "Following %s (Ctrl-C to stop)\n", strings.Join(keys, ", "))

	for {
		batch, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				fmt.Fprintln(os.Stderr, "Stopped")
				return nil
			}
			return err
		}

		for _, e := range batch {
			printEntry(e)
		}

		if acker != nil {
			if err := ackBatch(ctx, acker, cfg.group, batch); err != nil {
				return fmt.Errorf("acknowledging batch: %w", err)
			}
		}
	}
}

func printEntry(e stream.Entry) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Stream, e.ID)
	for _, f := range e.Fields {
		fmt.Fprintf(&b, " %s=%q", f.Name, f.Value)
	}
	fmt.Println(b.String())
}

func ackBatch(ctx context.Context, acker *stream.Client, group string, batch []stream.Entry) error {
	byKey := make(map[string][]stream.EntryID)
	for _, e := range batch {
		byKey[e.Stream] = append(byKey[e.Stream], e.ID)
	}
	for key, ids := range byKey {
		if _, err := acker.Ack(ctx, key, group, ids...); err != nil {
			return err
		}
	}
	return nil
}

// runPiped reads commands line by line from stdin, one command per line
func runPiped(ctx context.Context, conn *redisclient.Conn) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		args, err := splitArgs(scanner.Text())
		if err != nil {
			fmt.Printf("(error) %v\n", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if err := execute(ctx, conn, args); err != nil {
			log.Fatalf("command failed: %v", err)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("reading stdin: %v", err)
	}
}

// runREPL is the interactive loop. Line editing and history come from
// liner; Ctrl-C at the prompt clears the line instead of exiting.
func runREPL(cfg *cliConfig) {
	conn := connect(context.Background(), cfg)
	defer conn.Close()

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	histFile := historyPath()
	if histFile != "" {
		if f, err := os.Open(histFile); err == nil {
			line.ReadHistory(f)
			f.Close()
		}
	}
	defer saveHistory(line, histFile)

	fmt.Printf("Connected to %s\n", cfg.addr)
	fmt.Println("Type 'help' for commands, 'quit' to exit")

	prompt := cfg.addr + "> "
	for {
		input, err := line.Prompt(prompt)
		if err == liner.ErrPromptAborted {
			continue
		}
		if err == io.EOF {
			fmt.Println()
			return
		}
		if err != nil {
			log.Fatalf("reading input: %v", err)
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		args, err := splitArgs(input)
		if err != nil {
			fmt.Printf("(error) %v\n", err)
			continue
		}

		switch strings.ToLower(args[0]) {
		case "quit", "exit":
			return
		case "clear":
			fmt.Print("\x1b[H\x1b[2J")
		case "help":
			printReplHelp()
		case "subscribe":
			replSubscribe(cfg, args[1:])
		default:
			if err := execute(context.Background(), conn, args); err != nil {
				fmt.Fprintf(os.Stderr, "connection lost: %v\n", err)
				return
			}
		}
	}
}

func printReplHelp() {
	fmt.Println("Any Redis command is sent as typed, e.g.:")
	fmt.Println("  XADD events * type click")
	fmt.Println("  XRANGE events - +")
	fmt.Println("")
	fmt.Println("Console commands:")
	fmt.Println("  subscribe <key>[,<key>...] [<group> <consumer>]")
	fmt.Println("            follow streams until Ctrl-C")
	fmt.Println("  clear     clear the screen")
	fmt.Println("  quit      exit the console")
}

// replSubscribe runs the follower on its own connection so the REPL
// connection stays free; Ctrl-C returns to the prompt.
func replSubscribe(cfg *cliConfig, args []string) {
	if len(args) != 1 && len(args) != 3 {
		fmt.Println("usage: subscribe <key>[,<key>...] [<group> <consumer>]")
		return
	}

	subCfg := *cfg
	subCfg.group = ""
	subCfg.consumer = ""
	if len(args) == 3 {
		subCfg.group = args[1]
		subCfg.consumer = args[2]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := follow(ctx, &subCfg, splitKeys(args[0])); err != nil {
		fmt.Printf("(error) %v\n", err)
	}
}

func historyPath() string {
	if path := os.Getenv(histFileEnv); path != "" {
		if path == "/dev/null" {
			return ""
		}
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/" + histFileDefault
}

func saveHistory(line *liner.State, histFile string) {
	if histFile == "" {
		return
	}
	f, err := os.Create(histFile)
	if err != nil {
		return
	}
	defer f.Close()
	line.WriteHistory(f)
}

// splitArgs splits an input line into arguments, honoring single and
// double quotes so values may contain spaces
func splitArgs(input string) ([]string, error) {
	var args []string
	var cur strings.Builder
	inArg := false
	var quote byte

	for i := 0; i < len(input); i++ {
		ch := input[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			} else if ch == '\\' && quote == '"' && i+1 < len(input) {
				i++
				cur.WriteByte(input[i])
			} else {
				cur.WriteByte(ch)
			}
		case ch == '\'' || ch == '"':
			quote = ch
			inArg = true
		case ch == ' ' || ch == '\t':
			if inArg {
				args = append(args, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteByte(ch)
			inArg = true
		}
	}
	if quote != 0 {
		return nil, errors.New("unterminated quote")
	}
	if inArg {
		args = append(args, cur.String())
	}
	return args, nil
}
