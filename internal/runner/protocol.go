package runner

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// The wire protocol is newline-delimited JSON over the tool's stdio: one
// request line in, one response line out, correlated by id.

type Request struct {
	ID     string        `json:"id"`
	Method string        `json:"method"`
	Params RequestParams `json:"params"`
}

type RequestParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type Response struct {
	ID     string         `json:"id"`
	Result map[string]any `json:"result,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
}

type ResponseError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *ResponseError) Error() string { return e.Message }

const methodToolsCall = "tools/call"

// NewCallRequest builds a tools/call request for one invocation.
func NewCallRequest(id, toolName string, args map[string]any) Request {
	return Request{
		ID:     id,
		Method: methodToolsCall,
		Params: RequestParams{Name: toolName, Arguments: args},
	}
}

// WriteRequest encodes req as one newline-terminated JSON line.
func WriteRequest(w io.Writer, req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// ReadResponse reads lines until one parses as a response. Tools may write
// stray diagnostics to stdout; non-JSON lines are skipped, but a JSON line
// with the wrong id is a protocol violation.
func ReadResponse(r *bufio.Reader, wantID string) (Response, error) {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if line == "" {
				return Response{}, err
			}
			// Final unterminated line still counts.
		}
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "{") {
			if err != nil {
				return Response{}, io.ErrUnexpectedEOF
			}
			continue
		}
		var resp Response
		if jsonErr := json.Unmarshal([]byte(line), &resp); jsonErr != nil {
			if err != nil {
				return Response{}, io.ErrUnexpectedEOF
			}
			continue
		}
		if resp.ID != wantID {
			return Response{}, fmt.Errorf("response id %q does not match request id %q", resp.ID, wantID)
		}
		return resp, nil
	}
}

var errNoResult = errors.New("tool response carries neither result nor error")

// resultOf extracts the outcome of a response.
func resultOf(resp Response) (map[string]any, error) {
	if resp.Error != nil {
		return nil, resp.Error
	}
	if resp.Result == nil {
		return nil, errNoResult
	}
	return resp.Result, nil
}
