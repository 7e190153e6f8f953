// Package kvm implements driver.Backend against a running QEMU/KVM
// guest by talking to its monitor: QMP over a Unix socket is the
// primary transport, with a GDB remote-serial connection as a
// configurable fallback (spec.md §4.3/§6, §9 Design Note (b)).
package kvm

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"example.com/vmi-core/internal/ierr"
)

// Logger is the same shape as the QMP client logging interface used
// elsewhere in the example pack's QEMU tooling, so callers can plug in
// whatever logging they already have without vmi-core depending on a
// concrete logging library.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type nullLogger struct{}

func (nullLogger) Infof(string, ...interface{}) {}
func (nullLogger) Errorf(string, ...interface{}) {}

type qmpResult struct {
	value json.RawMessage
	err   error
}

// qmpClient is a minimal QMP client: connect, negotiate capabilities,
// and run synchronous command/response pairs. A mutex keeps at most one
// request outstanding, so the next non-event reply is the answer to it.
type qmpClient struct {
	conn   net.Conn
	reader *bufio.Reader
	logger Logger

	mu      sync.Mutex
	pending chan qmpResult
}

type qmpGreeting struct {
	QMP struct {
		Version json.RawMessage `json:"version"`
	} `json:"QMP"`
}

type qmpRequest struct {
	Execute   string                 `json:"execute"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

type qmpResponse struct {
	Return json.RawMessage `json:"return,omitempty"`
	Error  *qmpError       `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
}

type qmpError struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

func (e *qmpError) Error() string {
	return fmt.Sprintf("qmp: %s: %s", e.Class, e.Desc)
}

func dialQMP(address string, timeout time.Duration, logger Logger) (*qmpClient, error) {
	if logger == nil {
		logger = nullLogger{}
	}
	conn, err := net.DialTimeout("unix", address, timeout)
	if err != nil {
		return nil, fmt.Errorf("kvm: dial qmp socket %s: %w: %w", address, err, ierr.InitFailure)
	}

	c := &qmpClient{conn: conn, reader: bufio.NewReader(conn), logger: logger}

	var greet qmpGreeting
	if err := c.readJSON(&greet); err != nil {
		conn.Close()
		return nil, fmt.Errorf("kvm: qmp greeting: %w: %w", err, ierr.InitFailure)
	}

	if _, err := c.command("qmp_capabilities", nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("kvm: qmp_capabilities: %w: %w", err, ierr.InitFailure)
	}
	return c, nil
}

func (c *qmpClient) close() error {
	return c.conn.Close()
}

func (c *qmpClient) readJSON(v interface{}) error {
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return err
	}
	return json.Unmarshal(line, v)
}

// command sends one QMP command and waits for its matching response,
// skipping over any asynchronous events in between: those are logged
// and dropped, since the KVM backend has no event plane.
func (c *qmpClient) command(name string, args map[string]interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := qmpRequest{Execute: name, Arguments: args}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	payload = append(payload, '\n')
	if _, err := c.conn.Write(payload); err != nil {
		return nil, fmt.Errorf("kvm: write qmp command %s: %w", name, err)
	}

	for {
		var resp qmpResponse
		if err := c.readJSON(&resp); err != nil {
			return nil, fmt.Errorf("kvm: read qmp response to %s: %w", name, err)
		}
		if resp.Event != "" {
			c.logger.Infof("kvm: qmp event %s while waiting for %s", resp.Event, name)
			continue
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Return, nil
	}
}

// humanMonitorCommand runs a legacy HMP command line through QMP's
// passthrough, used for "info registers" and the pmemaccess patch probe.
func (c *qmpClient) humanMonitorCommand(line string) (string, error) {
	raw, err := c.command("human-monitor-command", map[string]interface{}{
		"command-line": line,
	})
	if err != nil {
		return "", err
	}
	var out string
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("kvm: decode human-monitor-command reply: %w", err)
	}
	return out, nil
}
