// Package torcontrol is a minimal Tor control protocol client: enough
// to authenticate, ask for a two-hop circuit along a chosen path, and
// watch CIRC events for the circuits this process asked for. It
// mirrors the wire format (250 OK replies, 650 CIRC async events) the
// upstream pack's control package implements from the server side in
// pkg/control, read here from the client's end instead.
package torcontrol

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
)

// Status is a Tor CIRC event status, per control-spec section 4.1.1.
type Status string

const (
	StatusLaunched Status = "LAUNCHED"
	StatusBuilt    Status = "BUILT"
	StatusExtended Status = "EXTENDED"
	StatusFailed   Status = "FAILED"
	StatusClosed   Status = "CLOSED"
)

// CircuitEvent is a parsed "650 CIRC ..." line.
type CircuitEvent struct {
	CircuitID uint32
	Status    Status
	Path      string
	Reason    string
}

// Client is a single control connection. Commands (Authenticate,
// NewCircuit, CloseCircuit, ...) are serialized against each other by
// cmdMu, so replies arrive in the same order commands were written;
// the single background readLoop owns the connection's read side and
// both demultiplexes 650 events onto Events() and delivers each reply
// block to the oldest entry in pending. Each do() call gets its own
// buffered reply channel instead of sharing one: if that call's ctx
// is cancelled before the reply arrives, readLoop's eventual send into
// the abandoned call's channel still succeeds immediately (the buffer
// absorbs it) rather than blocking forever with no receiver.
type Client struct {
	conn net.Conn
	w    *bufio.Writer

	cmdMu sync.Mutex

	pendingMu sync.Mutex
	pending   []chan []string

	events chan CircuitEvent

	errMu sync.Mutex
	err   error
}

// Dial connects to a Tor control port at addr and starts the
// background event/reply reader. Callers must Authenticate before
// issuing any other command.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("torcontrol: dial %s: %w", addr, err)
	}
	c := &Client{
		conn:   conn,
		w:      bufio.NewWriter(conn),
		events: make(chan CircuitEvent, 64),
	}
	go c.readLoop(bufio.NewReader(conn))
	return c, nil
}

// Authenticate sends AUTHENTICATE. An empty cookie authenticates
// against a Tor instance configured with CookieAuthentication 0 and no
// password (the common deployment for a locally-run scan); callers
// pointed at a hardened Tor instance should pass the hex-encoded
// control cookie or password instead.
func (c *Client) Authenticate(ctx context.Context, cookieOrPassword string) error {
	cmd := "AUTHENTICATE"
	if cookieOrPassword != "" {
		cmd = fmt.Sprintf("AUTHENTICATE %s", cookieOrPassword)
	}
	reply, err := c.do(ctx, cmd)
	if err != nil {
		return err
	}
	return expectOK(reply)
}

// WatchCircuitEvents subscribes to CIRC events; call once after
// Authenticate and before the first NewCircuit.
func (c *Client) WatchCircuitEvents(ctx context.Context) error {
	reply, err := c.do(ctx, "SETEVENTS CIRC")
	if err != nil {
		return err
	}
	return expectOK(reply)
}

// NewCircuit issues EXTENDCIRCUIT 0 along path (relay fingerprints,
// first hop first) and returns the new circuit's ID. The BUILT/FAILED
// outcome arrives later on Events(); this call only confirms Tor
// accepted the request. The reply is read off the wire before any
// event that follows it, but such an event can reach Events() before
// this call has returned the ID to its caller.
func (c *Client) NewCircuit(ctx context.Context, path []string) (uint32, error) {
	if len(path) == 0 {
		return 0, fmt.Errorf("torcontrol: circuit path must not be empty")
	}
	fps := make([]string, len(path))
	for i, fp := range path {
		fps[i] = "$" + fp
	}
	cmd := fmt.Sprintf("EXTENDCIRCUIT 0 %s purpose=general", strings.Join(fps, ","))
	reply, err := c.do(ctx, cmd)
	if err != nil {
		return 0, err
	}
	if len(reply) == 0 {
		return 0, fmt.Errorf("torcontrol: empty reply to EXTENDCIRCUIT")
	}
	fields := strings.Fields(reply[len(reply)-1])
	if len(fields) < 3 || fields[0] != "250" || fields[1] != "EXTENDED" {
		return 0, fmt.Errorf("torcontrol: unexpected EXTENDCIRCUIT reply %q", reply[len(reply)-1])
	}
	id, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("torcontrol: malformed circuit id in reply %q: %w", reply[len(reply)-1], err)
	}
	return uint32(id), nil
}

// CloseCircuit issues CLOSECIRCUIT for id.
func (c *Client) CloseCircuit(ctx context.Context, id uint32) error {
	reply, err := c.do(ctx, fmt.Sprintf("CLOSECIRCUIT %d", id))
	if err != nil {
		return err
	}
	return expectOK(reply)
}

// Events returns the channel of parsed CIRC events. It is closed when
// the control connection's read loop exits; check Err afterward to
// distinguish a clean Close from a connection error.
func (c *Client) Events() <-chan CircuitEvent {
	return c.events
}

// Err returns the error that terminated the event loop, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close closes the underlying connection, which unblocks readLoop.
func (c *Client) Close() error {
	return c.conn.Close()
}

// do sends a single-line command and waits for its reply block,
// serialized against other command calls so readLoop never has to
// guess which in-flight command a given reply belongs to: this call's
// reply channel is enqueued in pending before the command is written,
// so the FIFO order of pending always matches the order replies will
// arrive in.
func (c *Client) do(ctx context.Context, cmd string) ([]string, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	replyCh := make(chan []string, 1)
	c.pendingMu.Lock()
	c.pending = append(c.pending, replyCh)
	c.pendingMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	}
	if _, err := c.w.WriteString(cmd + "\r\n"); err != nil {
		return nil, fmt.Errorf("torcontrol: write %q: %w", cmd, err)
	}
	if err := c.w.Flush(); err != nil {
		return nil, fmt.Errorf("torcontrol: flush %q: %w", cmd, err)
	}

	select {
	case lines, ok := <-replyCh:
		if !ok {
			return nil, c.Err()
		}
		return lines, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readLoop owns the connection's read side for its lifetime. Lines
// beginning "650 " are parsed as async events; everything else is
// accumulated into a reply block (continuation lines use "CODE-",
// the final line of a block uses "CODE ") and handed to the oldest
// entry in pending. Each entry is its own buffered channel, so this
// send never blocks even if the do() call that created it already
// gave up on ctx.Done() and stopped listening.
func (c *Client) readLoop(r *bufio.Reader) {
	defer c.shutdown()

	var block []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			c.setErr(fmt.Errorf("torcontrol: read: %w", err))
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "650 ") || strings.HasPrefix(line, "650-") {
			if ev, ok := parseCircuitEvent(line); ok {
				c.events <- ev
			}
			continue
		}

		block = append(block, line)
		if len(line) >= 4 && line[3] == ' ' {
			// final line of a reply block ("CODE " not "CODE-")
			c.popPending(block)
			block = nil
		}
	}
}

// popPending delivers block to the oldest outstanding command's reply
// channel, matching command write order to reply read order.
func (c *Client) popPending(block []string) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if len(c.pending) == 0 {
		return
	}
	ch := c.pending[0]
	c.pending = c.pending[1:]
	ch <- block
}

// shutdown runs when readLoop exits: it closes Events() and wakes any
// do() call still waiting on a reply that will now never arrive.
func (c *Client) shutdown() {
	close(c.events)
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = nil
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
}

// parseCircuitEvent parses a "650 CIRC <id> <status> [path] [k=v ...]"
// line. Non-CIRC 650 lines are ignored (ok=false) since this client
// only ever subscribes to CIRC.
func parseCircuitEvent(line string) (CircuitEvent, bool) {
	fields := strings.Fields(line)
	if len(fields) < 4 || fields[1] != "CIRC" {
		return CircuitEvent{}, false
	}
	id, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return CircuitEvent{}, false
	}
	ev := CircuitEvent{CircuitID: uint32(id), Status: Status(fields[3])}
	for _, f := range fields[4:] {
		switch {
		case strings.HasPrefix(f, "REASON="):
			ev.Reason = strings.TrimPrefix(f, "REASON=")
		case strings.Contains(f, "~") || strings.HasPrefix(f, "$"):
			ev.Path = f
		}
	}
	return ev, true
}

// expectOK checks that a reply block's final line is "250 OK" (or any
// 250 code; Tor uses 250 OK as the generic success reply).
func expectOK(reply []string) error {
	if len(reply) == 0 {
		return fmt.Errorf("torcontrol: empty reply")
	}
	last := reply[len(reply)-1]
	if !strings.HasPrefix(last, "250") {
		return fmt.Errorf("torcontrol: command failed: %s", last)
	}
	return nil
}
