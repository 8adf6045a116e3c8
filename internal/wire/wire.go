// Package wire provides protobuf message framing for the argus operator
// protocol.
//
// Envelopes are structpb structs, length-delimited with protobuf's
// standard varint encoding for efficient streaming over TCP. Requests
// carry {id, op, args}; responses carry {id, ok, result} or
// {id, ok:false, error:{code, message}}.
package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/argus/config"
	"github.com/xtxerr/argus/internal/errors"
)

// Request is one operator command.
type Request struct {
	ID   uint64
	Op   string
	Args map[string]any
}

// Error is the failure payload of a response.
type Error struct {
	Code    int32
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", errors.CodeName(e.Code), e.Message)
}

// Unwrap maps the wire code back to a sentinel so callers can use
// errors.Is across the protocol boundary.
func (e *Error) Unwrap() error {
	return errors.CodeToError(e.Code)
}

// Response answers one request. Err is nil on success.
type Response struct {
	ID     uint64
	Result map[string]any
	Err    *Error
}

// =============================================================================
// Framing
// =============================================================================

// Reader reads length-delimited envelopes from an io.Reader.
// It is safe for concurrent use.
type Reader struct {
	r  *bufio.Reader
	mu sync.Mutex
}

// NewReader creates a Reader wrapping the given io.Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

func (r *Reader) read() (*structpb.Struct, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	env := &structpb.Struct{}
	opts := protodelim.UnmarshalOptions{
		MaxSize: config.DefaultMaxMessageSize,
	}
	if err := opts.UnmarshalFrom(r.r, env); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read envelope: %w", err)
	}
	return env, nil
}

// ReadRequest reads and decodes the next request envelope.
func (r *Reader) ReadRequest() (*Request, error) {
	env, err := r.read()
	if err != nil {
		return nil, err
	}
	return decodeRequest(env)
}

// ReadResponse reads and decodes the next response envelope.
func (r *Reader) ReadResponse() (*Response, error) {
	env, err := r.read()
	if err != nil {
		return nil, err
	}
	return decodeResponse(env)
}

// Writer writes length-delimited envelopes to an io.Writer.
// It is safe for concurrent use.
type Writer struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriter creates a Writer wrapping the given io.Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) write(env *structpb.Struct) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := protodelim.MarshalTo(w.w, env); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// WriteRequest encodes and writes a request envelope.
func (w *Writer) WriteRequest(req *Request) error {
	env, err := encodeRequest(req)
	if err != nil {
		return err
	}
	return w.write(env)
}

// WriteResponse encodes and writes a response envelope.
func (w *Writer) WriteResponse(resp *Response) error {
	env, err := encodeResponse(resp)
	if err != nil {
		return err
	}
	return w.write(env)
}

// Conn combines Reader and Writer for bidirectional communication.
type Conn struct {
	*Reader
	*Writer
}

// NewConn creates a Conn from an io.ReadWriter (e.g., net.Conn).
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{
		Reader: NewReader(rw),
		Writer: NewWriter(rw),
	}
}

// =============================================================================
// Envelope Codec
// =============================================================================

func encodeRequest(req *Request) (*structpb.Struct, error) {
	if req.Op == "" {
		return nil, errors.NewMissingField("op")
	}
	m := map[string]any{
		"id": req.ID,
		"op": req.Op,
	}
	if len(req.Args) > 0 {
		m["args"] = req.Args
	}
	env, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return env, nil
}

func decodeRequest(env *structpb.Struct) (*Request, error) {
	m := env.AsMap()
	op, _ := m["op"].(string)
	if op == "" {
		return nil, fmt.Errorf("%w: envelope has no op", errors.ErrInvalidRequest)
	}
	req := &Request{ID: envelopeID(m), Op: op}
	if args, ok := m["args"].(map[string]any); ok {
		req.Args = args
	}
	return req, nil
}

func encodeResponse(resp *Response) (*structpb.Struct, error) {
	m := map[string]any{
		"id": resp.ID,
		"ok": resp.Err == nil,
	}
	switch {
	case resp.Err != nil:
		m["error"] = map[string]any{
			"code":    resp.Err.Code,
			"message": resp.Err.Message,
		}
	case len(resp.Result) > 0:
		m["result"] = resp.Result
	}
	env, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return env, nil
}

func decodeResponse(env *structpb.Struct) (*Response, error) {
	m := env.AsMap()
	if _, ok := m["ok"]; !ok {
		return nil, fmt.Errorf("%w: envelope is not a response", errors.ErrInvalidRequest)
	}
	resp := &Response{ID: envelopeID(m)}
	if ok, _ := m["ok"].(bool); !ok {
		wireErr := &Error{Code: errors.CodeUnknown}
		if em, ok := m["error"].(map[string]any); ok {
			if code, ok := em["code"].(float64); ok {
				wireErr.Code = int32(code)
			}
			wireErr.Message, _ = em["message"].(string)
		}
		resp.Err = wireErr
		return resp, nil
	}
	if result, ok := m["result"].(map[string]any); ok {
		resp.Result = result
	}
	return resp, nil
}

// envelopeID extracts the numeric request id. structpb numbers decode as
// float64.
func envelopeID(m map[string]any) uint64 {
	id, _ := m["id"].(float64)
	if id < 0 {
		return 0
	}
	return uint64(id)
}

// =============================================================================
// Response Helpers
// =============================================================================

// NewResult creates a success response.
func NewResult(id uint64, result map[string]any) *Response {
	return &Response{ID: id, Result: result}
}

// NewError creates an error response with the given wire code and message.
func NewError(id uint64, code int32, msg string) *Response {
	return &Response{ID: id, Err: &Error{Code: code, Message: msg}}
}

// NewErrorFromErr creates an error response from a Go error, mapping it to
// the matching wire code.
func NewErrorFromErr(id uint64, err error) *Response {
	return NewError(id, errors.ErrorToCode(err), err.Error())
}

// ToValueMap converts any JSON-marshalable value into the plain map form
// the envelope codec accepts. Handlers use it to ship status snapshots.
func ToValueMap(v any) (map[string]any, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	m := make(map[string]any)
	if err := json.Unmarshal(buf, &m); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return m, nil
}

// ToValueList converts a slice of JSON-marshalable values into the plain
// list form the envelope codec accepts.
func ToValueList(v any) ([]any, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var list []any
	if err := json.Unmarshal(buf, &list); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return list, nil
}
