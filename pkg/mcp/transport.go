package mcp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Transport reads and writes newline-delimited JSON-RPC messages over a
// stdio-style pipe. Writes are serialized; stdout must never interleave.
type Transport struct {
	reader *bufio.Reader
	writer io.Writer
	mu     sync.Mutex
}

// NewTransport creates a transport over the given reader/writer pair.
func NewTransport(r io.Reader, w io.Writer) *Transport {
	return &Transport{
		reader: bufio.NewReader(r),
		writer: w,
	}
}

// ReadMessage reads the next request from the stream.
func (t *Transport) ReadMessage() (*Request, error) {
	line, err := t.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &req, nil
}

// WriteResponse writes a response to the stream.
func (t *Transport) WriteResponse(resp *Response) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(t.writer, "%s\n", data)
	return err
}

// WriteNotification writes a notification to the stream.
func (t *Transport) WriteNotification(method string, params any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var raw json.RawMessage
	if params != nil {
		var err error
		raw, err = json.Marshal(params)
		if err != nil {
			return err
		}
	}

	data, err := json.Marshal(Notification{JSONRPC: "2.0", Method: method, Params: raw})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(t.writer, "%s\n", data)
	return err
}
