// Package parser turns wire bytes into sip Request/Response values.
package parser

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"github.com/arzzra/sipuac/pkg/sip/core/types"
)

// Message is either a *types.Request or a *types.Response.
type Message interface{}

// ParseMessage parses one SIP message from data. For stream transports
// the caller is expected to have already framed data to one message
// using Content-Length (see pkg/sip/transport); for datagrams the frame
// itself is the message boundary.
func ParseMessage(data []byte) (Message, error) {
	reader := bufio.NewReader(bytes.NewReader(data))

	startLine, err := readLine(reader)
	if err != nil {
		return nil, &types.ParseError{Kind: "Truncated", Msg: "missing start line"}
	}
	if startLine == "" {
		return nil, &types.ParseError{Kind: "MalformedStartLine", Msg: "empty start line"}
	}

	headers, err := readHeaders(reader)
	if err != nil {
		return nil, err
	}

	body, err := readBody(reader, headers, len(data))
	if err != nil {
		return nil, err
	}

	if strings.HasPrefix(startLine, "SIP/") {
		return parseResponseLine(startLine, headers, body)
	}
	return parseRequestLine(startLine, headers, body)
}

func parseRequestLine(line string, headers *types.Headers, body []byte) (*types.Request, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return nil, &types.ParseError{Kind: "MalformedStartLine", Msg: "want METHOD URI VERSION"}
	}
	if fields[2] != "SIP/2.0" {
		return nil, &types.ParseError{Kind: "UnsupportedVersion", Msg: fields[2]}
	}
	uri, err := types.ParseURI(fields[1])
	if err != nil {
		return nil, &types.ParseError{Kind: "MalformedStartLine", Msg: err.Error()}
	}
	return &types.Request{
		Method:  fields[0],
		URI:     uri,
		Version: fields[2],
		Headers: headers,
		Body:    body,
	}, nil
}

func parseResponseLine(line string, headers *types.Headers, body []byte) (*types.Response, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil, &types.ParseError{Kind: "MalformedStartLine", Msg: "want VERSION STATUS [REASON]"}
	}
	if fields[0] != "SIP/2.0" {
		return nil, &types.ParseError{Kind: "UnsupportedVersion", Msg: fields[0]}
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil || status < 100 || status > 699 {
		return nil, &types.ParseError{Kind: "MalformedStartLine", Msg: "bad status code"}
	}
	reason := ""
	if idx := strings.IndexByte(line, ' '); idx >= 0 {
		if idx2 := strings.IndexByte(line[idx+1:], ' '); idx2 >= 0 {
			reason = line[idx+1+idx2+1:]
		}
	}
	return &types.Response{
		Version: fields[0],
		Status:  status,
		Reason:  reason,
		Headers: headers,
		Body:    body,
	}, nil
}

// readLine reads one CRLF- or LF-terminated line, stripping the
// terminator.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readHeaders reads header lines up to the blank-line separator,
// unfolding LWS continuations per RFC 3261 §7.3.1.
func readHeaders(r *bufio.Reader) (*types.Headers, error) {
	headers := types.NewHeaders()
	var name, value string
	haveField := false

	flush := func() {
		if haveField {
			headers.Add(name, strings.TrimSpace(value))
			haveField = false
		}
	}

	for {
		line, err := r.ReadString('\n')
		raw := strings.TrimRight(line, "\r\n")
		if err != nil && raw == "" {
			// No blank-line separator before EOF.
			flush()
			return headers, &types.ParseError{Kind: "UnterminatedHeader", Msg: "missing blank line"}
		}
		if raw == "" {
			flush()
			return headers, nil
		}
		if raw[0] == ' ' || raw[0] == '\t' {
			// Folded continuation of the previous header.
			if !haveField {
				return nil, &types.ParseError{Kind: "MalformedHeader", Msg: "continuation without header"}
			}
			value += " " + strings.TrimSpace(raw)
			continue
		}
		flush()
		colon := strings.IndexByte(raw, ':')
		if colon < 0 {
			return nil, &types.ParseError{Kind: "MalformedHeader", Msg: raw}
		}
		name = strings.TrimSpace(raw[:colon])
		value = strings.TrimPrefix(raw[colon+1:], " ")
		haveField = true
	}
}

// readBody reads the message body. When Content-Length is present and
// numeric it governs the body length (required correctness for stream
// transports, where the remainder of the reader may contain the next
// pipelined message); otherwise every remaining byte is the body, which
// is correct for a single-message datagram frame.
func readBody(r *bufio.Reader, headers *types.Headers, frameLen int) ([]byte, error) {
	rest, _ := readAll(r)

	clHeader, hasCL := headers.Get("Content-Length")
	if !hasCL {
		if len(rest) == 0 {
			return nil, nil
		}
		return rest, nil
	}

	cl, err := strconv.Atoi(strings.TrimSpace(clHeader))
	if err != nil || cl < 0 {
		return nil, &types.ParseError{Kind: "BadContentLength", Msg: clHeader}
	}
	if cl > len(rest) {
		return nil, &types.ParseError{Kind: "BadContentLength", Msg: "declared length exceeds frame"}
	}
	return rest[:cl], nil
}

func readAll(r *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	_, err := buf.ReadFrom(r)
	return buf.Bytes(), err
}
