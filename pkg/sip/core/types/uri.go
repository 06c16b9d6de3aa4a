package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Param is one URI parameter in arrival order.
type Param struct {
	Name  string
	Value string
}

// URI is a sip: or sips: URI per RFC 3261 §19.1.
type URI struct {
	Secure   bool // true for sips
	User     string
	Password string
	Host     string
	Port     int // 0 means "not specified"

	// Params preserves URI parameters in arrival order; unknown
	// parameters round-trip unchanged.
	Params []Param

	// Headers are the URI's "?name=value&..." headers part.
	Headers []Param
}

// Scheme returns "sip" or "sips".
func (u *URI) Scheme() string {
	if u.Secure {
		return "sips"
	}
	return "sip"
}

// Param returns the value of the named parameter and whether it was set.
func (u *URI) Param(name string) (string, bool) {
	name = strings.ToLower(name)
	for _, p := range u.Params {
		if strings.ToLower(p.Name) == name {
			return p.Value, true
		}
	}
	return "", false
}

// SetParam sets (or replaces) a URI parameter, preserving its original
// position if it already existed.
func (u *URI) SetParam(name, value string) {
	lname := strings.ToLower(name)
	for i, p := range u.Params {
		if strings.ToLower(p.Name) == lname {
			u.Params[i].Value = value
			return
		}
	}
	u.Params = append(u.Params, Param{Name: name, Value: value})
}

// Clone returns a deep copy.
func (u *URI) Clone() *URI {
	if u == nil {
		return nil
	}
	c := *u
	c.Params = append([]Param(nil), u.Params...)
	c.Headers = append([]Param(nil), u.Headers...)
	return &c
}

// String renders the URI per RFC 3261 §19.1.1.
func (u *URI) String() string {
	var sb strings.Builder
	sb.WriteString(u.Scheme())
	sb.WriteByte(':')
	if u.User != "" {
		sb.WriteString(u.User)
		if u.Password != "" {
			sb.WriteByte(':')
			sb.WriteString(u.Password)
		}
		sb.WriteByte('@')
	}
	if strings.Contains(u.Host, ":") {
		sb.WriteByte('[')
		sb.WriteString(u.Host)
		sb.WriteByte(']')
	} else {
		sb.WriteString(u.Host)
	}
	if u.Port > 0 {
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(u.Port))
	}
	for _, p := range u.Params {
		sb.WriteByte(';')
		sb.WriteString(p.Name)
		if p.Value != "" {
			sb.WriteByte('=')
			sb.WriteString(p.Value)
		}
	}
	if len(u.Headers) > 0 {
		sb.WriteByte('?')
		for i, p := range u.Headers {
			if i > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(p.Name)
			sb.WriteByte('=')
			sb.WriteString(p.Value)
		}
	}
	return sb.String()
}

// comparedParams are the URI parameters that affect RFC 3261 §19.1.4
// equality; all others (and URI headers) are ignored for comparison.
var comparedParams = []string{"user", "ttl", "method", "maddr"}

// Equal implements RFC 3261 §19.1.4 URI comparison for the subset of
// forms this library produces and consumes.
func (u *URI) Equal(o *URI) bool {
	if u == nil || o == nil {
		return u == o
	}
	if u.Secure != o.Secure || !strings.EqualFold(u.User, o.User) || !strings.EqualFold(u.Host, o.Host) {
		return false
	}
	if u.defaultedPort() != o.defaultedPort() {
		return false
	}
	for _, name := range comparedParams {
		uv, _ := u.Param(name)
		ov, _ := o.Param(name)
		if !strings.EqualFold(uv, ov) {
			return false
		}
	}
	return true
}

func (u *URI) defaultedPort() int {
	if u.Port != 0 {
		return u.Port
	}
	if u.Secure {
		return 5061
	}
	return 5060
}

// ParseURI parses a sip:/sips: URI.
func ParseURI(s string) (*URI, error) {
	u := &URI{}

	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return nil, fmt.Errorf("sip: parse uri %q: missing scheme", s)
	}
	switch strings.ToLower(s[:idx]) {
	case "sip":
		u.Secure = false
	case "sips":
		u.Secure = true
	default:
		return nil, fmt.Errorf("sip: parse uri %q: unsupported scheme", s)
	}
	rest := s[idx+1:]

	if h := strings.IndexByte(rest, '?'); h >= 0 {
		hdrs, err := parseParams(rest[h+1:], '&')
		if err != nil {
			return nil, fmt.Errorf("sip: parse uri %q: %w", s, err)
		}
		u.Headers = hdrs
		rest = rest[:h]
	}

	hostPort := rest
	if p := strings.IndexByte(rest, ';'); p >= 0 {
		params, err := parseParams(rest[p+1:], ';')
		if err != nil {
			return nil, fmt.Errorf("sip: parse uri %q: %w", s, err)
		}
		u.Params = params
		hostPort = rest[:p]
	}

	if at := strings.LastIndexByte(hostPort, '@'); at >= 0 {
		userinfo := hostPort[:at]
		hostPort = hostPort[at+1:]
		if c := strings.IndexByte(userinfo, ':'); c >= 0 {
			u.User, u.Password = userinfo[:c], userinfo[c+1:]
		} else {
			u.User = userinfo
		}
	}

	if strings.HasPrefix(hostPort, "[") {
		end := strings.IndexByte(hostPort, ']')
		if end < 0 {
			return nil, fmt.Errorf("sip: parse uri %q: unterminated IPv6 literal", s)
		}
		u.Host = hostPort[1:end]
		if rem := hostPort[end+1:]; strings.HasPrefix(rem, ":") {
			port, err := strconv.Atoi(rem[1:])
			if err != nil {
				return nil, fmt.Errorf("sip: parse uri %q: bad port: %w", s, err)
			}
			u.Port = port
		}
	} else if c := strings.LastIndexByte(hostPort, ':'); c >= 0 {
		u.Host = hostPort[:c]
		port, err := strconv.Atoi(hostPort[c+1:])
		if err != nil {
			return nil, fmt.Errorf("sip: parse uri %q: bad port: %w", s, err)
		}
		u.Port = port
	} else {
		u.Host = hostPort
	}

	return u, nil
}

func parseParams(s string, sep byte) ([]Param, error) {
	if s == "" {
		return nil, nil
	}
	var out []Param
	for _, part := range strings.Split(s, string(sep)) {
		if part == "" {
			continue
		}
		if eq := strings.IndexByte(part, '='); eq >= 0 {
			out = append(out, Param{Name: part[:eq], Value: part[eq+1:]})
		} else {
			out = append(out, Param{Name: part})
		}
	}
	return out, nil
}
