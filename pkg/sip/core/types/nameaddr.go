package types

import "strings"

// NameAddr is a "display-name <uri>;params" value, the shape shared by
// From, To, Contact, Route, Record-Route, Refer-To and P-Asserted-Identity.
type NameAddr struct {
	DisplayName string
	URI         *URI
	Params      []Param
}

func (a *NameAddr) Param(name string) (string, bool) {
	lname := strings.ToLower(name)
	for _, p := range a.Params {
		if strings.ToLower(p.Name) == lname {
			return p.Value, true
		}
	}
	return "", false
}

func (a *NameAddr) SetParam(name, value string) {
	lname := strings.ToLower(name)
	for i, p := range a.Params {
		if strings.ToLower(p.Name) == lname {
			a.Params[i].Value = value
			return
		}
	}
	a.Params = append(a.Params, Param{Name: name, Value: value})
}

func (a *NameAddr) Tag() string {
	tag, _ := a.Param("tag")
	return tag
}

func (a *NameAddr) Clone() *NameAddr {
	if a == nil {
		return nil
	}
	c := &NameAddr{DisplayName: a.DisplayName, URI: a.URI.Clone()}
	c.Params = append([]Param(nil), a.Params...)
	return c
}

func (a *NameAddr) String() string {
	var sb strings.Builder
	angled := a.DisplayName != "" || true // this library always emits angle brackets
	if a.DisplayName != "" {
		sb.WriteByte('"')
		sb.WriteString(a.DisplayName)
		sb.WriteString(`" `)
	}
	if angled {
		sb.WriteByte('<')
	}
	sb.WriteString(a.URI.String())
	if angled {
		sb.WriteByte('>')
	}
	for _, p := range a.Params {
		sb.WriteByte(';')
		sb.WriteString(p.Name)
		if p.Value != "" {
			sb.WriteByte('=')
			sb.WriteString(p.Value)
		}
	}
	return sb.String()
}

// ParseNameAddr parses a "display-name"? (name-addr / addr-spec) *(;param)
// value as used by From/To/Contact/Route/Record-Route/Refer-To.
func ParseNameAddr(s string) (*NameAddr, error) {
	s = strings.TrimSpace(s)
	a := &NameAddr{}

	if strings.HasPrefix(s, `"`) {
		end := strings.IndexByte(s[1:], '"')
		if end >= 0 {
			a.DisplayName = s[1 : end+1]
			s = strings.TrimSpace(s[end+2:])
		}
	} else if lt := strings.IndexByte(s, '<'); lt > 0 {
		a.DisplayName = strings.TrimSpace(s[:lt])
		s = s[lt:]
	}

	uriPart := s
	var tail string
	if strings.HasPrefix(s, "<") {
		end := strings.IndexByte(s, '>')
		if end < 0 {
			return nil, errUnterminatedAngleAddr
		}
		uriPart = s[1:end]
		tail = s[end+1:]
	} else if semi := strings.IndexByte(s, ';'); semi >= 0 {
		uriPart = s[:semi]
		tail = s[semi:]
	}

	uri, err := ParseURI(strings.TrimSpace(uriPart))
	if err != nil {
		return nil, err
	}
	a.URI = uri

	for _, seg := range strings.Split(tail, ";") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		if eq := strings.IndexByte(seg, '='); eq >= 0 {
			a.Params = append(a.Params, Param{Name: seg[:eq], Value: seg[eq+1:]})
		} else {
			a.Params = append(a.Params, Param{Name: seg})
		}
	}
	return a, nil
}

var errUnterminatedAngleAddr = &ParseError{Kind: "MalformedHeader", Msg: "unterminated <addr>"}
