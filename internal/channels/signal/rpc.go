package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cowork-oss/cowork-gateway/internal/channels"
)

const requestTimeout = 30 * time.Second

var errConnClosed = errors.New("signal-cli connection closed")

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("signal-cli error %d: %s", e.Code, e.Message)
}

type rpcResult struct {
	result json.RawMessage
	err    error
}

// rpcConn multiplexes JSON-RPC calls over a line-delimited stream.
type rpcConn struct {
	w   io.Writer
	wmu sync.Mutex

	next    atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan rpcResult
	closed  error
}

func newRPCConn(w io.Writer) *rpcConn {
	return &rpcConn{w: w, pending: make(map[int64]chan rpcResult)}
}

// call sends method and decodes the result into out when out is non-nil.
func (c *rpcConn) call(ctx context.Context, method string, params, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	id := c.next.Add(1)
	ch := make(chan rpcResult, 1)
	c.mu.Lock()
	if c.closed != nil {
		err := c.closed
		c.mu.Unlock()
		return channels.ErrConnection("signal-cli "+method, err)
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return channels.ErrInternal("encode signal-cli request", err)
	}
	c.wmu.Lock()
	_, err = c.w.Write(append(data, '\n'))
	c.wmu.Unlock()
	if err != nil {
		return channels.ErrConnection("write signal-cli request", err)
	}

	select {
	case <-ctx.Done():
		return channels.ErrTimeout("signal-cli "+method, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if out != nil && len(res.result) > 0 {
			if err := json.Unmarshal(res.result, out); err != nil {
				return channels.ErrInternal("decode signal-cli "+method, err)
			}
		}
		return nil
	}
}

// dispatch routes one line from signal-cli to a pending call or, for
// notifications, to notify.
func (c *rpcConn) dispatch(line []byte, notify func(method string, params json.RawMessage)) error {
	var msg rpcMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return err
	}
	if msg.ID != nil && msg.Method == "" {
		c.mu.Lock()
		ch, ok := c.pending[*msg.ID]
		c.mu.Unlock()
		if !ok {
			return nil
		}
		res := rpcResult{result: msg.Result}
		if msg.Error != nil {
			res.err = msg.Error
		}
		ch <- res
		return nil
	}
	if msg.Method != "" && notify != nil {
		notify(msg.Method, msg.Params)
	}
	return nil
}

// fail rejects in-flight and future calls.
func (c *rpcConn) fail(err error) {
	if err == nil {
		err = errConnClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed != nil {
		return
	}
	c.closed = err
	for id, ch := range c.pending {
		ch <- rpcResult{err: channels.ErrConnection("signal-cli", err)}
		delete(c.pending, id)
	}
}
