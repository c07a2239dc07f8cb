package compute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"

	"typestatd/internal/ipc"
)

// ErrClosed is returned by transport operations after Close.
var ErrClosed = errors.New("compute: transport closed")

// ClientTransport is the caller's end of a connection to a unit.
type ClientTransport interface {
	Send(ctx context.Context, req Request) error
	Recv(ctx context.Context) (Response, error)
	Close() error
}

// ServerTransport is the unit's end. Recv returns an error wrapping
// ErrInvalidMessage, together with whatever id could be recovered, for
// envelopes that fail validation; the connection stays usable.
type ServerTransport interface {
	Recv(ctx context.Context) (Request, error)
	Send(ctx context.Context, resp Response) error
	Close() error
}

const requestSchemaJSON = `{
  "type": "object",
  "required": ["type", "id"],
  "properties": {
    "type": {"type": "string", "minLength": 1},
    "id": {"type": "string", "minLength": 1},
    "payload": {"type": ["object", "null"]}
  }
}`

const responseSchemaJSON = `{
  "type": "object",
  "required": ["type", "id"],
  "properties": {
    "type": {"type": "string", "minLength": 1},
    "id": {"type": "string"},
    "error": {"type": "string"}
  }
}`

var (
	requestSchema  = jsonschema.MustCompileString("request.json", requestSchemaJSON)
	responseSchema = jsonschema.MustCompileString("response.json", responseSchemaJSON)
)

// decodeRequest validates and decodes a request envelope.
func decodeRequest(data []byte) (Request, error) {
	id := UnknownID
	if r := gjson.GetBytes(data, "id"); r.Type == gjson.String && r.Str != "" {
		id = r.Str
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Request{ID: id}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := requestSchema.Validate(doc); err != nil {
		return Request{ID: id}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{ID: id}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return req, nil
}

// decodeResponse validates and decodes a response envelope.
func decodeResponse(data []byte) (Response, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := responseSchema.Validate(doc); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return resp, nil
}

// Pipe returns an in-process connection. Envelopes are serialized on the way
// through, so neither side can retain references into the other's memory.
func Pipe() (ClientTransport, ServerTransport) {
	p := &pipe{
		requests:  make(chan []byte, 1),
		responses: make(chan []byte, 1),
		done:      make(chan struct{}),
	}
	return pipeClient{p}, pipeServer{p}
}

type pipe struct {
	requests  chan []byte
	responses chan []byte
	done      chan struct{}
	once      sync.Once
}

func (p *pipe) close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *pipe) send(ctx context.Context, ch chan<- []byte, data []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case ch <- data:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipe) recv(ctx context.Context, ch <-chan []byte) ([]byte, error) {
	select {
	case data := <-ch:
		return data, nil
	case <-p.done:
		// Deliver a frame sent just before close.
		select {
		case data := <-ch:
			return data, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type pipeClient struct{ p *pipe }

func (c pipeClient) Send(ctx context.Context, req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.p.send(ctx, c.p.requests, data)
}

func (c pipeClient) Recv(ctx context.Context) (Response, error) {
	data, err := c.p.recv(ctx, c.p.responses)
	if err != nil {
		return Response{}, err
	}
	return decodeResponse(data)
}

func (c pipeClient) Close() error { return c.p.close() }

type pipeServer struct{ p *pipe }

func (s pipeServer) Recv(ctx context.Context) (Request, error) {
	data, err := s.p.recv(ctx, s.p.requests)
	if err != nil {
		return Request{}, err
	}
	return decodeRequest(data)
}

func (s pipeServer) Send(ctx context.Context, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return s.p.send(ctx, s.p.responses, data)
}

func (s pipeServer) Close() error { return s.p.close() }

// StreamClient speaks the framed protocol to a unit over r and w, typically
// the stdout and stdin of a worker process.
type StreamClient struct {
	conn *ipc.Conn
}

// NewStreamClient wraps the unit's output r and input w.
func NewStreamClient(r io.Reader, w io.Writer) *StreamClient {
	return &StreamClient{conn: ipc.NewConn(r, w)}
}

// Send implements ClientTransport.
func (c *StreamClient) Send(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return closedErr(c.conn.Send(ipc.MsgRequest, data))
}

// Recv implements ClientTransport. Blocking reads are interrupted by Close,
// not by ctx.
func (c *StreamClient) Recv(ctx context.Context) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	m, err := c.conn.Recv()
	if err != nil {
		return Response{}, closedErr(err)
	}
	if m.Header.Type != ipc.MsgResponse {
		return Response{}, fmt.Errorf("%w: unexpected %s frame", ErrInvalidMessage, m.Header.Type)
	}
	return decodeResponse(m.Payload)
}

// Close implements ClientTransport.
func (c *StreamClient) Close() error { return c.conn.Close() }

// StreamServer is the unit side of the framed protocol.
type StreamServer struct {
	conn *ipc.Conn
}

// NewStreamServer reads requests from r and writes responses to w.
func NewStreamServer(r io.Reader, w io.Writer) *StreamServer {
	return &StreamServer{conn: ipc.NewConn(r, w)}
}

// Recv implements ServerTransport.
func (s *StreamServer) Recv(ctx context.Context) (Request, error) {
	if err := ctx.Err(); err != nil {
		return Request{}, err
	}
	m, err := s.conn.Recv()
	if err != nil {
		return Request{}, closedErr(err)
	}
	if m.Header.Type != ipc.MsgRequest {
		return Request{ID: UnknownID}, fmt.Errorf("%w: unexpected %s frame", ErrInvalidMessage, m.Header.Type)
	}
	return decodeRequest(m.Payload)
}

// Send implements ServerTransport.
func (s *StreamServer) Send(ctx context.Context, resp Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return closedErr(s.conn.Send(ipc.MsgResponse, data))
}

// Close implements ServerTransport.
func (s *StreamServer) Close() error { return s.conn.Close() }

// closedErr maps end-of-stream conditions to ErrClosed.
func closedErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, os.ErrClosed):
		return fmt.Errorf("%w: %v", ErrClosed, err)
	default:
		return err
	}
}
