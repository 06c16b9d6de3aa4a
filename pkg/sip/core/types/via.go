package types

import (
	"fmt"
	"strconv"
	"strings"
)

// ViaHop is one Via header value (one hop) per RFC 3261 §20.42.
type ViaHop struct {
	Transport string // UDP, TCP, TLS, WS, WSS
	Host      string
	Port      int
	Params    []Param // branch, received, rport, ttl, maddr, extensions
}

func (v *ViaHop) Param(name string) (string, bool) {
	name = strings.ToLower(name)
	for _, p := range v.Params {
		if strings.ToLower(p.Name) == name {
			return p.Value, true
		}
	}
	return "", false
}

func (v *ViaHop) SetParam(name, value string) {
	lname := strings.ToLower(name)
	for i, p := range v.Params {
		if strings.ToLower(p.Name) == lname {
			v.Params[i].Value = value
			return
		}
	}
	v.Params = append(v.Params, Param{Name: name, Value: value})
}

func (v *ViaHop) Branch() string {
	b, _ := v.Param("branch")
	return b
}

func (v *ViaHop) Clone() *ViaHop {
	c := *v
	c.Params = append([]Param(nil), v.Params...)
	return &c
}

func (v *ViaHop) String() string {
	var sb strings.Builder
	sb.WriteString("SIP/2.0/")
	sb.WriteString(strings.ToUpper(v.Transport))
	sb.WriteByte(' ')
	sb.WriteString(v.Host)
	if v.Port > 0 {
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(v.Port))
	}
	for _, p := range v.Params {
		sb.WriteByte(';')
		sb.WriteString(p.Name)
		if p.Value != "" {
			sb.WriteByte('=')
			sb.WriteString(p.Value)
		}
	}
	return sb.String()
}

// ParseViaHop parses a single Via header value.
func ParseViaHop(s string) (*ViaHop, error) {
	s = strings.TrimSpace(s)
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return nil, fmt.Errorf("sip: parse via %q: too few fields", s)
	}
	proto := fields[0]
	transport := proto
	if i := strings.LastIndexByte(proto, '/'); i >= 0 {
		transport = proto[i+1:]
	}
	v := &ViaHop{Transport: transport}

	rest := strings.Join(fields[1:], "")
	segments := strings.Split(rest, ";")
	hostPort := strings.TrimSpace(segments[0])
	if strings.HasPrefix(hostPort, "[") {
		end := strings.IndexByte(hostPort, ']')
		if end < 0 {
			return nil, fmt.Errorf("sip: parse via %q: unterminated IPv6 literal", s)
		}
		v.Host = hostPort[1:end]
		if rem := hostPort[end+1:]; strings.HasPrefix(rem, ":") {
			port, err := strconv.Atoi(rem[1:])
			if err != nil {
				return nil, fmt.Errorf("sip: parse via %q: bad port: %w", s, err)
			}
			v.Port = port
		}
	} else if c := strings.LastIndexByte(hostPort, ':'); c >= 0 {
		v.Host = hostPort[:c]
		port, err := strconv.Atoi(hostPort[c+1:])
		if err != nil {
			return nil, fmt.Errorf("sip: parse via %q: bad port: %w", s, err)
		}
		v.Port = port
	} else {
		v.Host = hostPort
	}

	for _, seg := range segments[1:] {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		if eq := strings.IndexByte(seg, '='); eq >= 0 {
			v.Params = append(v.Params, Param{Name: seg[:eq], Value: seg[eq+1:]})
		} else {
			v.Params = append(v.Params, Param{Name: seg})
		}
	}
	return v, nil
}

// CSeq is the CSeq header value.
type CSeq struct {
	Seq    uint32
	Method string
}

func (c CSeq) String() string {
	return fmt.Sprintf("%d %s", c.Seq, c.Method)
}

// ParseCSeq parses a CSeq header value.
func ParseCSeq(s string) (CSeq, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return CSeq{}, fmt.Errorf("sip: parse cseq %q: want 2 fields", s)
	}
	n, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return CSeq{}, fmt.Errorf("sip: parse cseq %q: %w", s, err)
	}
	return CSeq{Seq: uint32(n), Method: fields[1]}, nil
}
