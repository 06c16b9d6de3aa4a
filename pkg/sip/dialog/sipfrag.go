package dialog

import (
	"bytes"
	"strconv"
	"strings"
)

// ParseSipfragStatusCode extracts the SIP status code from a NOTIFY
// body of type message/sipfrag. The first line has the form
// "SIP/2.0 200 OK". Returns 0 when none can be determined.
func ParseSipfragStatusCode(body []byte) int {
	if len(body) == 0 {
		return 0
	}
	firstLine, _, _ := bytes.Cut(body, []byte("\n"))
	parts := strings.Fields(string(firstLine))
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "SIP/") {
		return 0
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0
	}
	return code
}
