package runner

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestWriteRequestWireShape(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	req := NewCallRequest("req-1", "search", map[string]any{"q": "go"})
	if err := WriteRequest(&buf, req); err != nil {
		t.Fatal(err)
	}

	line := buf.String()
	if !strings.HasSuffix(line, "\n") {
		t.Fatal("request must be newline-terminated")
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("not valid JSON: %v", err)
	}
	if decoded["id"] != "req-1" || decoded["method"] != "tools/call" {
		t.Fatalf("envelope = %v", decoded)
	}
	params := decoded["params"].(map[string]any)
	if params["name"] != "search" {
		t.Fatalf("params = %v", params)
	}
}

func TestReadResponseSkipsDiagnosticLines(t *testing.T) {
	t.Parallel()
	input := "starting up...\nnot json\n{\"id\":\"req-1\",\"result\":{\"ok\":true}}\n"
	resp, err := ReadResponse(bufio.NewReader(strings.NewReader(input)), "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Result["ok"] != true {
		t.Fatalf("result = %v", resp.Result)
	}
}

func TestReadResponseIDMismatch(t *testing.T) {
	t.Parallel()
	input := "{\"id\":\"other\",\"result\":{}}\n"
	if _, err := ReadResponse(bufio.NewReader(strings.NewReader(input)), "req-1"); err == nil {
		t.Fatal("mismatched id must be rejected")
	}
}

func TestReadResponseEOF(t *testing.T) {
	t.Parallel()
	if _, err := ReadResponse(bufio.NewReader(strings.NewReader("")), "req-1"); err == nil {
		t.Fatal("empty stream must error")
	}
	// An unterminated final line still parses.
	input := "{\"id\":\"req-1\",\"error\":{\"message\":\"boom\"}}"
	resp, err := ReadResponse(bufio.NewReader(strings.NewReader(input)), "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Message != "boom" {
		t.Fatalf("error = %v", resp.Error)
	}
}

func TestResultOf(t *testing.T) {
	t.Parallel()
	if _, err := resultOf(Response{ID: "x"}); err == nil {
		t.Fatal("neither result nor error must be rejected")
	}
	if _, err := resultOf(Response{ID: "x", Error: &ResponseError{Message: "bad"}}); err == nil {
		t.Fatal("error response must surface the error")
	}
	payload, err := resultOf(Response{ID: "x", Result: map[string]any{"a": 1}})
	if err != nil || payload["a"] == nil {
		t.Fatalf("payload=%v err=%v", payload, err)
	}
}
