// Package types holds the wire data model shared by the parser and the
// builder: the ordered header multimap, SIP/SIPS URIs, and the Request/
// Response message types.
package types

import "strings"

// canonicalNames maps a lower-cased header name, including compact forms,
// to its canonical long form (RFC 3261 §7.3.3, §20).
var canonicalNames = map[string]string{
	"v":                  "Via",
	"via":                "Via",
	"f":                  "From",
	"from":               "From",
	"t":                  "To",
	"to":                 "To",
	"i":                  "Call-ID",
	"call-id":            "Call-ID",
	"m":                  "Contact",
	"contact":            "Contact",
	"c":                  "Content-Type",
	"content-type":       "Content-Type",
	"l":                  "Content-Length",
	"content-length":     "Content-Length",
	"s":                  "Subject",
	"subject":            "Subject",
	"k":                  "Supported",
	"supported":          "Supported",
	"e":                  "Content-Encoding",
	"content-encoding":   "Content-Encoding",
	"cseq":               "CSeq",
	"max-forwards":       "Max-Forwards",
	"route":              "Route",
	"record-route":       "Record-Route",
	"authorization":      "Authorization",
	"proxy-authorization": "Proxy-Authorization",
	"www-authenticate":   "WWW-Authenticate",
	"proxy-authenticate": "Proxy-Authenticate",
	"authentication-info": "Authentication-Info",
	"expires":            "Expires",
	"user-agent":         "User-Agent",
	"server":             "Server",
	"allow":              "Allow",
	"require":            "Require",
	"proxy-require":      "Proxy-Require",
	"unsupported":        "Unsupported",
	"retry-after":        "Retry-After",
	"date":               "Date",
	"timestamp":          "Timestamp",
	"warning":            "Warning",
	"priority":           "Priority",
	"organization":       "Organization",
	"accept":             "Accept",
	"accept-encoding":    "Accept-Encoding",
	"accept-language":    "Accept-Language",
	"alert-info":         "Alert-Info",
	"error-info":         "Error-Info",
	"in-reply-to":        "In-Reply-To",
	"mime-version":       "MIME-Version",
	"min-expires":        "Min-Expires",
	"reply-to":           "Reply-To",
	"p-asserted-identity": "P-Asserted-Identity",
	"refer-to":           "Refer-To",
	"referred-by":        "Referred-By",
	"session-expires":    "Session-Expires",
}

// CanonicalHeaderName normalizes a header name from the wire (possibly a
// compact form, possibly mixed case) to its canonical long form. Unknown
// names are title-cased on word boundaries so they still compare
// case-insensitively.
func CanonicalHeaderName(name string) string {
	if canon, ok := canonicalNames[strings.ToLower(name)]; ok {
		return canon
	}
	parts := strings.Split(name, "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + strings.ToLower(p[1:])
	}
	return strings.Join(parts, "-")
}

// headerOrder is the canonical serialization order from spec §3.
// Content-Length always serializes last regardless of this list.
var headerOrder = []string{
	"Via", "Max-Forwards", "From", "To", "Call-ID", "CSeq", "Contact",
	"Route", "Record-Route", "Authorization", "Proxy-Authorization",
	"WWW-Authenticate", "Proxy-Authenticate", "Expires", "User-Agent",
	"Server", "Allow", "Supported",
}

// headerRank gives each name in headerOrder its position; names absent
// from the map sort after all of them (in insertion order) and before
// Content-Type/Content-Length.
var headerRank = func() map[string]int {
	m := make(map[string]int, len(headerOrder))
	for i, n := range headerOrder {
		m[n] = i
	}
	return m
}()

// HeaderField is one name/value pair in arrival (or insertion) order.
type HeaderField struct {
	Name  string
	Value string
}

// Headers is an ordered, case-insensitive multimap of SIP header fields.
// It is the single header container shared by the parser, the builder,
// and every message type; it never duplicates its ordering logic.
type Headers struct {
	fields []HeaderField
}

// NewHeaders returns an empty header store.
func NewHeaders() *Headers {
	return &Headers{}
}

// Add appends a value for name, preserving arrival order among same-name
// fields. name is canonicalized before storage.
func (h *Headers) Add(name, value string) {
	h.fields = append(h.fields, HeaderField{Name: CanonicalHeaderName(name), Value: value})
}

// Set replaces all values for name with the single given value.
func (h *Headers) Set(name, value string) {
	h.Remove(name)
	h.Add(name, value)
}

// Remove deletes every field matching name (case-insensitive).
func (h *Headers) Remove(name string) {
	canon := CanonicalHeaderName(name)
	out := h.fields[:0:0]
	for _, f := range h.fields {
		if f.Name != canon {
			out = append(out, f)
		}
	}
	h.fields = out
}

// Get returns the first value for name, and whether it was present.
func (h *Headers) Get(name string) (string, bool) {
	canon := CanonicalHeaderName(name)
	for _, f := range h.fields {
		if f.Name == canon {
			return f.Value, true
		}
	}
	return "", false
}

// Values returns every value for name in arrival order.
func (h *Headers) Values(name string) []string {
	canon := CanonicalHeaderName(name)
	var out []string
	for _, f := range h.fields {
		if f.Name == canon {
			out = append(out, f.Value)
		}
	}
	return out
}

// Has reports whether any field matches name.
func (h *Headers) Has(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// Names returns the set of distinct canonical header names present, in
// first-occurrence order.
func (h *Headers) Names() []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range h.fields {
		if !seen[f.Name] {
			seen[f.Name] = true
			out = append(out, f.Name)
		}
	}
	return out
}

// Fields returns every header field in arrival order. The returned slice
// is owned by the caller; it does not alias internal storage.
func (h *Headers) Fields() []HeaderField {
	out := make([]HeaderField, len(h.fields))
	copy(out, h.fields)
	return out
}

// Clone returns a deep copy.
func (h *Headers) Clone() *Headers {
	if h == nil {
		return NewHeaders()
	}
	return &Headers{fields: append([]HeaderField(nil), h.fields...)}
}

// multiLineHeaders are serialized as repeated lines rather than being
// comma-joined, per spec §3.
var multiLineHeaders = map[string]bool{
	"Via":          true,
	"Route":        true,
	"Record-Route": true,
}

// Ordered returns fields grouped for serialization: known headers in
// canonical order (§3), then the remaining headers in insertion order,
// then Content-Type, then Content-Length last. Within a name, multi-line
// headers keep one field per line; everything else also keeps one field
// per line (repeating the header name) since RFC 3261 never requires
// comma-joining on the wire.
func (h *Headers) Ordered() []HeaderField {
	var known, rest, ctype, clen []HeaderField
	for _, f := range h.fields {
		switch {
		case f.Name == "Content-Length":
			clen = append(clen, f)
		case f.Name == "Content-Type":
			ctype = append(ctype, f)
		case headerRankHas(f.Name):
			known = append(known, f)
		default:
			rest = append(rest, f)
		}
	}
	stableSortByRank(known)
	out := make([]HeaderField, 0, len(h.fields))
	out = append(out, known...)
	out = append(out, rest...)
	out = append(out, ctype...)
	out = append(out, clen...)
	return out
}

func headerRankHas(name string) bool {
	_, ok := headerRank[name]
	return ok
}

// stableSortByRank sorts in place by headerRank, preserving relative
// order of fields sharing the same name (stable insertion sort is plenty
// for header counts in the dozens).
func stableSortByRank(fs []HeaderField) {
	for i := 1; i < len(fs); i++ {
		for j := i; j > 0 && headerRank[fs[j-1].Name] > headerRank[fs[j].Name]; j-- {
			fs[j-1], fs[j] = fs[j], fs[j-1]
		}
	}
}
