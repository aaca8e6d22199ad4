package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Transport is one websocket connection to a tab's DevTools endpoint,
// framing Runtime.evaluate requests as CDP's JSON-RPC and demuxing
// responses by request id. Grounded on the teacher's websocket hub
// read/write pump shape, here driving a single upstream connection
// instead of broadcasting to many downstream clients.
type Transport struct {
	conn    *websocket.Conn
	log     zerolog.Logger
	nextID  int64
	mu      sync.Mutex
	pending map[int64]chan rpcResponse
	closeCh chan struct{}
	closed  atomic.Bool
}

type rpcRequest struct {
	ID     int64       `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Dial opens a websocket connection to wsEndpoint and starts the read
// pump that demultiplexes responses.
func Dial(ctx context.Context, wsEndpoint string, log zerolog.Logger) (*Transport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("cdp: dial %s: %w", wsEndpoint, err)
	}
	t := &Transport{
		conn:    conn,
		log:     log.With().Str("component", "cdp.transport").Str("endpoint", wsEndpoint).Logger(),
		pending: make(map[int64]chan rpcResponse),
		closeCh: make(chan struct{}),
	}
	go t.readPump()
	return t, nil
}

func (t *Transport) readPump() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.log.Warn().Err(err).Msg("cdp transport read failed, closing pending requests")
			t.failAllPending(err)
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			t.log.Warn().Err(err).Msg("cdp transport: malformed frame")
			continue
		}
		t.mu.Lock()
		ch, ok := t.pending[resp.ID]
		if ok {
			delete(t.pending, resp.ID)
		}
		t.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (t *Transport) failAllPending(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.pending {
		ch <- rpcResponse{ID: id, Error: &rpcError{Message: err.Error()}}
		delete(t.pending, id)
	}
}

// Evaluate issues a raw Runtime.evaluate call and returns the decoded
// EvalResult. Classification of the result happens one layer up in
// Classify; this method only distinguishes "the round trip failed" as
// a TransportErr.
func (t *Transport) Evaluate(ctx context.Context, expression string) EvalResult {
	if t.closed.Load() {
		return EvalResult{TransportErr: fmt.Errorf("cdp: transport closed")}
	}

	id := atomic.AddInt64(&t.nextID, 1)
	respCh := make(chan rpcResponse, 1)
	t.mu.Lock()
	t.pending[id] = respCh
	t.mu.Unlock()

	req := rpcRequest{
		ID:     id,
		Method: "Runtime.evaluate",
		Params: map[string]interface{}{
			"expression":    expression,
			"returnByValue": true,
			"awaitPromise":  true,
		},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return EvalResult{TransportErr: fmt.Errorf("cdp: marshal request: %w", err)}
	}

	if err := t.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return EvalResult{TransportErr: fmt.Errorf("cdp: write request: %w", err)}
	}

	select {
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return EvalResult{TransportErr: ctx.Err()}
	case resp := <-respCh:
		return decodeResponse(resp)
	}
}

// remoteObject mirrors CDP's Runtime.RemoteObject shape. Value carries
// the actual JS value (only present when returnByValue was requested),
// not the wrapper itself.
type remoteObject struct {
	Type        string          `json:"type"`
	Subtype     string          `json:"subtype"`
	ClassName   string          `json:"className"`
	Description string          `json:"description"`
	Value       json.RawMessage `json:"value"`
}

func decodeResponse(resp rpcResponse) EvalResult {
	if resp.Error != nil {
		return EvalResult{TransportErr: fmt.Errorf("cdp: rpc error %d: %s", resp.Error.Code, resp.Error.Message)}
	}
	var body struct {
		Result           remoteObject      `json:"result"`
		ExceptionDetails *ExceptionDetails `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(resp.Result, &body); err != nil {
		return EvalResult{TransportErr: fmt.Errorf("cdp: decode result: %w", err)}
	}
	if body.ExceptionDetails != nil {
		return EvalResult{ExceptionDetails: body.ExceptionDetails}
	}
	var value interface{}
	if len(body.Result.Value) > 0 {
		_ = json.Unmarshal(body.Result.Value, &value)
	}
	return EvalResult{
		Value:         value,
		ResultType:    body.Result.Type,
		ResultSubtype: body.Result.Subtype,
		Description:   body.Result.Description,
	}
}

// Close tears down the underlying websocket connection.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	close(t.closeCh)
	return t.conn.Close()
}
