package listener_test

import (
	"encoding/json"
	"net"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/sink/pkg/listener"
	"github.com/cuemby/sink/pkg/sid"
)

func newPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	return a, b
}

func dialUnix(path string) (net.Conn, error) {
	var lastErr error
	for i := 0; i < 50; i++ {
		nc, err := net.Dial("unix", path)
		if err == nil {
			return nc, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func sidNew() sid.ID { return sid.New() }

var testMessageID uint64

// testClient speaks the wire protocol directly against a listener.Server,
// draining every frame into a channel so a test can pick out the
// CommandCompletion it's waiting on alongside any interleaved
// notification/query-update pushes.
type testClient struct {
	t      *testing.T
	nc     net.Conn
	frames chan listener.Frame
}

func (c *testClient) send(cmd listener.CommandID, payload any) {
	c.t.Helper()
	if c.frames == nil {
		c.frames = make(chan listener.Frame, 64)
		go c.readLoop()
	}
	var b []byte
	if payload != nil {
		var err error
		b, err = json.Marshal(payload)
		require.NoError(c.t, err)
	}
	id := atomic.AddUint64(&testMessageID, 1)
	err := listener.WriteFrame(c.nc, listener.Frame{MessageID: uint32(id), CommandID: cmd, Payload: b})
	require.NoError(c.t, err)
}

func (c *testClient) readLoop() {
	for {
		f, err := listener.ReadFrame(c.nc)
		if err != nil {
			close(c.frames)
			return
		}
		c.frames <- f
	}
}

func (c *testClient) recvCompletion() listener.CommandCompletionPayload {
	c.t.Helper()
	for f := range c.frames {
		if f.CommandID != listener.CmdCommandCompletion {
			continue
		}
		var p listener.CommandCompletionPayload
		require.NoError(c.t, json.Unmarshal(f.Payload, &p))
		return p
	}
	c.t.Fatal("connection closed before a CommandCompletion arrived")
	return listener.CommandCompletionPayload{}
}

func (c *testClient) close() { _ = c.nc.Close() }
