package jsonrpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
)

type notificationHandler func(method string, params json.RawMessage)
type serverRequestHandler func(id RequestID, method string, params json.RawMessage) (json.RawMessage, error)

// client is a JSON-RPC client for a line-delimited-JSON child process.
// The wire format omits the usual "jsonrpc":"2.0" envelope field, matching
// the app-server this adapter targets.
type client struct {
	stdin  io.Writer
	stdout *bufio.Reader

	mu           sync.Mutex
	writeMu      sync.Mutex
	nextID       atomic.Int64
	pendingCalls map[string]chan *rpcResult

	notifyHandler  notificationHandler
	requestHandler serverRequestHandler

	done chan struct{}
	err  error
}

type rpcResult struct {
	Result json.RawMessage
	Error  *rpcError
}

func newClient(stdin io.Writer, stdout io.Reader) *client {
	return &client{
		stdin:        stdin,
		stdout:       bufio.NewReaderSize(stdout, 256*1024),
		pendingCalls: make(map[string]chan *rpcResult),
		done:         make(chan struct{}),
	}
}

func (c *client) setNotificationHandler(h notificationHandler)   { c.notifyHandler = h }
func (c *client) setServerRequestHandler(h serverRequestHandler) { c.requestHandler = h }

func (c *client) start() { go c.readLoop() }

func (c *client) readLoop() {
	defer close(c.done)
	for {
		line, err := c.stdout.ReadBytes('\n')
		if err != nil {
			c.err = err
			c.mu.Lock()
			errResult := &rpcResult{Error: &rpcError{Code: -1, Message: "client closed"}}
			for id, ch := range c.pendingCalls {
				select {
				case ch <- errResult:
				default:
				}
				delete(c.pendingCalls, id)
			}
			c.mu.Unlock()
			return
		}
		if len(line) <= 1 {
			continue
		}
		c.dispatch(line)
	}
}

func (c *client) dispatch(line []byte) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return
	}
	_, hasID := raw["id"]
	_, hasMethod := raw["method"]
	_, hasResult := raw["result"]
	_, hasError := raw["error"]

	switch {
	case hasResult && hasID:
		var resp response
		if json.Unmarshal(line, &resp) != nil {
			return
		}
		c.resolveCall(resp.ID, &rpcResult{Result: resp.Result})
	case hasError && hasID:
		var errResp errorResponse
		if json.Unmarshal(line, &errResp) != nil {
			return
		}
		c.resolveCall(errResp.ID, &rpcResult{Error: &errResp.Error})
	case hasMethod && hasID:
		var req serverRequest
		if json.Unmarshal(line, &req) != nil {
			return
		}
		go c.handleServerRequest(req)
	case hasMethod && !hasID:
		var notif notification
		if json.Unmarshal(line, &notif) != nil {
			return
		}
		if c.notifyHandler != nil {
			var params json.RawMessage
			if notif.Params != nil {
				params = *notif.Params
			}
			c.notifyHandler(notif.Method, params)
		}
	}
}

func (c *client) resolveCall(id RequestID, result *rpcResult) {
	idStr := string(id)
	c.mu.Lock()
	ch, ok := c.pendingCalls[idStr]
	if ok {
		delete(c.pendingCalls, idStr)
	}
	c.mu.Unlock()
	if ok {
		select {
		case ch <- result:
		default:
		}
	}
}

func (c *client) handleServerRequest(req serverRequest) {
	if c.requestHandler == nil {
		c.writeResponse(req.ID, nil, &rpcError{Code: -32601, Message: "no handler registered"})
		return
	}
	var params json.RawMessage
	if req.Params != nil {
		params = *req.Params
	}
	result, err := c.requestHandler(req.ID, req.Method, params)
	if err != nil {
		c.writeResponse(req.ID, nil, &rpcError{Code: -1, Message: err.Error()})
		return
	}
	c.writeResponse(req.ID, result, nil)
}

func (c *client) writeResponse(id RequestID, result json.RawMessage, rpcErr *rpcError) {
	var payload any
	if rpcErr != nil {
		payload = errorResponse{ID: id, Error: *rpcErr}
	} else {
		payload = response{ID: id, Result: result}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	c.writeLine(b)
}

func (c *client) writeLine(b []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, _ = c.stdin.Write(b)
	_, _ = c.stdin.Write([]byte("\n"))
}

// call sends a request and blocks for its response.
func (c *client) call(method string, params any) (json.RawMessage, error) {
	id := strconv.FormatInt(c.nextID.Add(1), 10)
	idRaw := json.RawMessage(strconv.Quote(id))

	var paramsRaw *json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw := json.RawMessage(b)
		paramsRaw = &raw
	}

	ch := make(chan *rpcResult, 1)
	c.mu.Lock()
	c.pendingCalls[id] = ch
	c.mu.Unlock()

	req := request{ID: idRaw, Method: method, Params: paramsRaw}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	c.writeLine(b)

	res := <-ch
	if res.Error != nil {
		return nil, fmt.Errorf("jsonrpc: %s: %s", method, res.Error.Message)
	}
	return res.Result, nil
}
