package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
)

const stderrBufferSize = 16 * 1024

// Transport delivers one JSON-RPC request and returns its matched response.
// Implementations own framing, demultiplexing, and connection state.
type Transport interface {
	Connect(ctx context.Context) error
	Call(ctx context.Context, req *Request) (*Response, error)
	Close() error
}

// stdioTransport launches a child process and frames JSON-RPC messages as
// line-delimited JSON on its stdin/stdout. Writes are serialized by a single
// mutex (one writer); a reader goroutine demultiplexes responses by id.
type stdioTransport struct {
	command string
	args    []string
	env     map[string]string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *boundedBuffer

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *Response
	closed  bool
}

func newStdioTransport(command string, args []string, env map[string]string) *stdioTransport {
	return &stdioTransport{
		command: command,
		args:    args,
		env:     env,
		pending: make(map[string]chan *Response),
		stderr:  newBoundedBuffer(stderrBufferSize),
	}
}

func (t *stdioTransport) Connect(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, t.command, t.args...)
	cmd.Env = os.Environ()
	for k, v := range t.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	cmd.Stderr = t.stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", t.command, err)
	}

	t.cmd = cmd
	t.stdin = stdin

	go t.readLoop(stdout)
	return nil
}

func (t *stdioTransport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		if resp.ID == nil {
			// Server-initiated notification; nothing to demux.
			continue
		}
		t.deliver(&resp)
	}
	t.failAll()
}

func (t *stdioTransport) deliver(resp *Response) {
	key := idKey(resp.ID)
	t.mu.Lock()
	ch, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// failAll wakes every waiter after the child's stdout closes.
func (t *stdioTransport) failAll() {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[string]chan *Response)
	t.closed = true
	t.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

func (t *stdioTransport) Call(ctx context.Context, req *Request) (*Response, error) {
	key := idKey(req.ID)
	ch := make(chan *Response, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("stdio transport closed")
	}
	t.pending[key] = ch
	t.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		t.abandon(key)
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	_, err = t.stdin.Write(data)
	t.writeMu.Unlock()
	if err != nil {
		t.abandon(key)
		return nil, fmt.Errorf("failed to write to mcp server: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("mcp server closed connection")
		}
		return resp, nil
	case <-ctx.Done():
		t.abandon(key)
		return nil, ctx.Err()
	}
}

// Notify writes a request without registering a waiter. Used for JSON-RPC
// notifications, which carry no id and get no response.
func (t *stdioTransport) Notify(req *Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.stdin.Write(data)
	return err
}

// abandon frees a request id whose response will never be consumed.
func (t *stdioTransport) abandon(key string) {
	t.mu.Lock()
	delete(t.pending, key)
	t.mu.Unlock()
}

// Stderr returns the tail of the child's captured stderr.
func (t *stdioTransport) Stderr() string {
	return t.stderr.String()
}

func (t *stdioTransport) Close() error {
	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		t.cmd.Process.Kill()
		t.cmd.Wait()
	}
	return nil
}

// idKey normalizes a JSON-RPC id for map lookup. Ids are issued as int64 but
// decode from JSON as float64, and %v would render large floats in exponent
// notation, so numeric ids get explicit decimal formatting.
func idKey(id interface{}) string {
	switch v := id.(type) {
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case json.Number:
		return v.String()
	}
	return fmt.Sprintf("%v", id)
}

// boundedBuffer keeps the last n bytes written to it.
type boundedBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.limit {
		b.buf = b.buf[len(b.buf)-b.limit:]
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
