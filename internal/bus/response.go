package bus

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Reserved reply codes shared by every domain on the fabric.
const (
	// CodeGeneric covers generic failures, including bounded-RPC
	// timeouts.
	CodeGeneric       = 1
	CodeBadReplyType  = 2
	CodeDownstreamErr = 3
	CodeTransportErr  = 4
	CodeUnknownAction = 99
	CodeBadRequest    = 400
	CodeUnauthorized  = 401
	CodeNotFound      = 404
	CodeDuplicate     = 409
	CodeInternal      = 500
	CodeRegenerating  = 503
)

// Response is the decoded ok/err shell of a reply envelope. Body keeps
// the full reply content for callers that need more than the shell.
type Response struct {
	Ok      bool   `json:"ok"`
	Code    int    `json:"code,omitempty"`
	Err     string `json:"err,omitempty"`
	Message string `json:"message,omitempty"`

	Body json.RawMessage `json:"-"`
}

// ParseResponse decodes a reply envelope contenu.
func ParseResponse(body []byte) (*Response, error) {
	var r Response
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, err
	}
	r.Body = append(json.RawMessage(nil), body...)
	return &r, nil
}

// AsError converts a non-ok response into an *Error, or nil when ok.
func (r *Response) AsError() error {
	if r.Ok {
		return nil
	}
	code := r.Code
	if code == 0 {
		code = CodeDownstreamErr
	}
	msg := r.Err
	if msg == "" {
		msg = r.Message
	}
	return &Error{Code: code, Message: msg}
}

// Error is a domain error that maps to a coded error reply.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("code %d: %s", e.Code, e.Message)
}

// Errf builds a coded error.
func Errf(code int, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrReply renders any error as an error reply document. Coded errors
// keep their code; everything else is an internal error.
func ErrReply(err error) map[string]interface{} {
	var coded *Error
	if !errors.As(err, &coded) {
		coded = &Error{Code: CodeInternal, Message: err.Error()}
	}
	return map[string]interface{}{
		"ok":   false,
		"code": coded.Code,
		"err":  coded.Message,
	}
}

// OkReply is the minimal success reply.
func OkReply() map[string]interface{} {
	return map[string]interface{}{"ok": true}
}
