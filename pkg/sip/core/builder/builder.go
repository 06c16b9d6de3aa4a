// Package builder serializes sip Request/Response values back to wire
// bytes using canonical header ordering (spec §3).
package builder

import (
	"bytes"
	"strconv"

	"github.com/arzzra/sipuac/pkg/sip/core/types"
)

// Request serializes req. Content-Length is recomputed from req.Body
// and always written last.
func Request(req *types.Request) []byte {
	var buf bytes.Buffer
	buf.WriteString(req.Method)
	buf.WriteByte(' ')
	buf.WriteString(req.URI.String())
	buf.WriteByte(' ')
	buf.WriteString(req.Version)
	buf.WriteString("\r\n")
	writeHeaders(&buf, req.Headers, len(req.Body))
	buf.WriteString("\r\n")
	buf.Write(req.Body)
	return buf.Bytes()
}

// Response serializes resp. Content-Length is recomputed from resp.Body
// and always written last.
func Response(resp *types.Response) []byte {
	var buf bytes.Buffer
	buf.WriteString(resp.Version)
	buf.WriteByte(' ')
	buf.WriteString(strconv.Itoa(resp.Status))
	buf.WriteByte(' ')
	buf.WriteString(resp.Reason)
	buf.WriteString("\r\n")
	writeHeaders(&buf, resp.Headers, len(resp.Body))
	buf.WriteString("\r\n")
	buf.Write(resp.Body)
	return buf.Bytes()
}

func writeHeaders(buf *bytes.Buffer, headers *types.Headers, bodyLen int) {
	h := headers.Clone()
	h.Set("Content-Length", strconv.Itoa(bodyLen))

	for _, f := range h.Ordered() {
		buf.WriteString(f.Name)
		buf.WriteString(": ")
		buf.WriteString(f.Value)
		buf.WriteString("\r\n")
	}
}
