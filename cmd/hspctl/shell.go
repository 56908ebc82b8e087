package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	prompt "github.com/c-bata/go-prompt"

	"github.com/xtxerr/hsport"
	"github.com/xtxerr/hsport/internal/decoder"
	"github.com/xtxerr/hsport/internal/recorder"
	"github.com/xtxerr/hsport/internal/session"
)

type command struct {
	usage string
	help  string
	run   func(sh *shell, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"status":   {"status", "session, buffer and client state", (*shell).status},
		"channels": {"channels", "list the channel catalog", (*shell).channels},
		"read":     {"read", "show the frame at the cursor without consuming it", (*shell).read},
		"next":     {"next [n]", "read and consume n frames (default 1)", (*shell).next},
		"seek":     {"seek <n>", "move the cursor n frames forward", (*shell).seek},
		"rewind":   {"rewind <n>", "move the cursor n frames back", (*shell).rewind},
		"range":    {"range", "time range of the buffered frames", (*shell).timeRange},
		"stats":    {"stats [channel]", "session statistics, or one channel's statistics", (*shell).stats},
		"write":    {"write <output> <value>", "stage a value for an output channel", (*shell).write},
		"release":  {"release", "send all staged outputs of the connection", (*shell).release},
		"explain":  {"explain", "last error of the connection", (*shell).explain},
		"help":     {"help", "list commands", (*shell).help},
		"quit":     {"quit", "leave the shell", nil},
	}
}

type shell struct {
	ctx    context.Context
	rt     *hsport.Runtime
	handle hsport.Handle
	client *session.Client
	rec    *recorder.Recorder
}

func newShell(ctx context.Context, rt *hsport.Runtime, h hsport.Handle, rec *recorder.Recorder) *shell {
	c, _ := rt.Client(h)
	return &shell{ctx: ctx, rt: rt, handle: h, client: c, rec: rec}
}

func (sh *shell) session() *session.Session {
	return sh.client.Session()
}

// run blocks until quit, Ctrl-D or ctx is done.
func (sh *shell) run() error {
	if sh.client == nil {
		return fmt.Errorf("shell: no client for %s", sh.handle)
	}

	fmt.Printf("hspctl %s connected to %s, type help for commands\n", Version, sh.session().Endpoint())

	p := prompt.New(
		sh.execute,
		sh.complete,
		prompt.OptionPrefix("hsp> "),
		prompt.OptionTitle("hspctl"),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			return breakline && strings.TrimSpace(in) == "quit" || sh.ctx.Err() != nil
		}),
	)
	p.Run()
	return nil
}

func (sh *shell) execute(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	cmd, ok := commands[fields[0]]
	if !ok {
		fmt.Printf("unknown command %q\n", fields[0])
		return
	}
	if cmd.run == nil {
		return
	}
	if err := cmd.run(sh, fields[1:]); err != nil {
		fmt.Printf("%s: %v\n", hsport.StatusOf(err), err)
	}
}

func (sh *shell) complete(d prompt.Document) []prompt.Suggest {
	if strings.Contains(d.TextBeforeCursor(), " ") {
		return nil
	}
	suggests := make([]prompt.Suggest, 0, len(commands))
	for name, cmd := range commands {
		suggests = append(suggests, prompt.Suggest{Text: name, Description: cmd.help})
	}
	return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
}

// =============================================================================
// Commands
// =============================================================================

func (sh *shell) help(args []string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	for _, name := range []string{"status", "channels", "read", "next", "seek", "rewind", "range", "stats", "write", "release", "explain", "help", "quit"} {
		fmt.Fprintf(w, "  %s\t%s\n", commands[name].usage, commands[name].help)
	}
	return w.Flush()
}

func (sh *shell) status(args []string) error {
	s := sh.session()
	st := s.Stats()
	avail, err := sh.client.Available()
	if err != nil {
		return err
	}
	overrun, _ := sh.client.Overrun()

	fmt.Printf("endpoint:     %s\n", s.Endpoint())
	fmt.Printf("state:        %s (connected %v)\n", st.State, s.Connected())
	fmt.Printf("clients:      %d on this connection, %d in %d connections\n", st.Clients, sh.rt.Clients(), sh.rt.Connections())
	fmt.Printf("buffer:       %d/%d frames, %d available, overrun %v\n", st.Buffer.Count, st.Buffer.Capacity, avail, overrun)
	fmt.Printf("backpressure: %s (pending %.2f)\n", st.Backpressure.CurrentLevel, st.Buffer.PendingRatio)
	fmt.Printf("errors:       %d corrupt, %d invalid timestamps, %d reconnects\n", st.CorruptFrames, st.InvalidTimestamps, st.Reconnects)
	if sh.rec != nil {
		rs := sh.rec.Stats()
		fmt.Printf("recording:    %d frames in %d batches, %d skipped, running %v\n", rs.FramesRecorded, rs.Batches, rs.FramesSkipped, rs.Running)
	}
	return nil
}

func (sh *shell) channels(args []string) error {
	cat := sh.session().Catalog()
	if cat == nil {
		return fmt.Errorf("no catalog yet")
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "#\tNAME\tUNIT\tDIR\tTYPE\tOUT")
	for _, ch := range cat.Channels() {
		out := "-"
		if ch.OutputIndex >= 0 {
			out = strconv.Itoa(ch.OutputIndex)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", ch.TotalIndex, ch.Name, ch.Unit, ch.Direction, ch.Type, out)
	}
	return w.Flush()
}

func (sh *shell) printFrame(f decoder.Frame) {
	cat := sh.session().Catalog()
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s", f.Seq, f.Timestamp)
	if !f.TimestampValid {
		b.WriteString(" (invalid timestamp)")
	}
	for i, v := range f.Values {
		ch, err := cat.ResolveTotal(i)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, " %s=%s", ch.Name, v)
	}
	fmt.Println(b.String())
}

func (sh *shell) read(args []string) error {
	f, err := sh.client.Read()
	if err != nil {
		return err
	}
	sh.printFrame(f)
	return nil
}

func (sh *shell) next(args []string) error {
	n, err := intArg(args, 1)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		f, err := sh.client.Next()
		if err != nil {
			return err
		}
		sh.printFrame(f)
	}
	return nil
}

func (sh *shell) seek(args []string) error {
	n, err := intArg(args, 0)
	if err != nil {
		return err
	}
	moved, err := sh.client.Seek(n)
	if err != nil {
		return err
	}
	fmt.Printf("moved %d frames\n", moved)
	return nil
}

func (sh *shell) rewind(args []string) error {
	n, err := intArg(args, 0)
	if err != nil {
		return err
	}
	moved, err := sh.client.Rewind(n)
	if err != nil {
		return err
	}
	fmt.Printf("moved back %d frames\n", moved)
	return nil
}

func (sh *shell) timeRange(args []string) error {
	first, last, err := sh.client.TimeRange()
	if err != nil {
		return err
	}
	fmt.Printf("%s .. %s (%s)\n", first, last, last.Time().Sub(first.Time()))
	return nil
}

func (sh *shell) stats(args []string) error {
	if len(args) == 0 {
		st := sh.session().Stats()
		fmt.Printf("appended %d, evicted %d, overruns %d, rejected %d, backfilled %d\n",
			st.Buffer.Appended, st.Buffer.Evicted, st.Buffer.Overruns, st.Buffer.Rejected, st.Backfilled)
		return nil
	}

	idx, err := strconv.Atoi(args[0])
	if err != nil {
		ch, ok := sh.session().Catalog().Lookup(args[0])
		if !ok {
			return fmt.Errorf("unknown channel %q", args[0])
		}
		idx = ch.TotalIndex
	}
	r, err := sh.session().ChannelStats(idx)
	if err != nil {
		return err
	}
	fmt.Printf("%s: n=%d min=%g max=%g avg=%g", r.Name, r.Count, r.Min, r.Max, r.Avg)
	if r.Quantiles != nil {
		fmt.Printf(" p50=%g p90=%g", r.Quantiles.P50, r.Quantiles.P90)
	}
	fmt.Println()
	return nil
}

func (sh *shell) write(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: %s", commands["write"].usage)
	}
	idx, err := strconv.Atoi(args[0])
	if err != nil {
		if idx, err = sh.session().OutputIndex(args[0]); err != nil {
			return err
		}
	}
	v, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("value %q: %v", args[1], err)
	}
	if err := sh.client.WriteStaged(idx, v); err != nil {
		return err
	}
	fmt.Printf("%d value(s) staged\n", sh.client.Staged())
	return nil
}

func (sh *shell) release(args []string) error {
	n, err := sh.client.ReleaseOutputs(sh.ctx)
	if err != nil {
		return err
	}
	fmt.Printf("released %d output(s)\n", n)
	return nil
}

func (sh *shell) explain(args []string) error {
	text := sh.rt.ExplainError(sh.handle)
	if text == "" {
		text = "no error"
	}
	fmt.Println(text)
	return nil
}

func intArg(args []string, def int) (int, error) {
	if len(args) == 0 {
		if def == 0 {
			return 0, fmt.Errorf("missing count")
		}
		return def, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("count %q: not a non-negative integer", args[0])
	}
	return n, nil
}
