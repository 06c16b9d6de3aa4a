// Package digest computes RFC 7616/2617 Digest Authorization header
// values from credentials and a parsed challenge.
package digest

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

// Algorithm identifies a Digest hash algorithm, with or without the
// "-sess" HA1 variant.
type Algorithm string

const (
	MD5          Algorithm = "MD5"
	MD5Sess      Algorithm = "MD5-sess"
	SHA256       Algorithm = "SHA-256"
	SHA256Sess   Algorithm = "SHA-256-sess"
	SHA512       Algorithm = "SHA-512"
	SHA512Sess   Algorithm = "SHA-512-sess"
)

func (a Algorithm) sess() bool {
	return strings.HasSuffix(string(a), "-sess")
}

func (a Algorithm) hash() func([]byte) []byte {
	switch {
	case strings.HasPrefix(string(a), "SHA-512"):
		return func(b []byte) []byte { s := sha512.Sum512(b); return s[:] }
	case strings.HasPrefix(string(a), "SHA-256"):
		return func(b []byte) []byte { s := sha256.Sum256(b); return s[:] }
	default:
		return func(b []byte) []byte { s := md5.Sum(b); return s[:] }
	}
}

func (a Algorithm) digest(parts ...string) string {
	h := a.hash()(([]byte)(strings.Join(parts, ":")))
	return hex.EncodeToString(h)
}

// QOP is the negotiated quality-of-protection.
type QOP string

const (
	QOPAuth    QOP = "auth"
	QOPAuthInt QOP = "auth-int"
)

// Credentials identifies a user to authenticate as.
type Credentials struct {
	Username       string
	Password       string
	PreferredRealm string // optional; carried only, neither Build nor credential selection reads it
	DisplayName    string
	UserAgent      string
}

// Challenge is a parsed WWW-Authenticate/Proxy-Authenticate value.
type Challenge struct {
	Realm     string
	Nonce     string
	Algorithm Algorithm
	QOPSet    []QOP
	Opaque    string
	Stale     bool
	Domain    string
}

// ParseChallenge parses a "Digest realm=... nonce=... ..." header value.
func ParseChallenge(value string) (*Challenge, error) {
	value = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(value), "Digest"))
	params := splitParams(value)

	c := &Challenge{Algorithm: MD5}
	for k, v := range params {
		switch strings.ToLower(k) {
		case "realm":
			c.Realm = v
		case "nonce":
			c.Nonce = v
		case "opaque":
			c.Opaque = v
		case "domain":
			c.Domain = v
		case "stale":
			c.Stale = strings.EqualFold(v, "true")
		case "algorithm":
			c.Algorithm = Algorithm(v)
		case "qop":
			for _, q := range strings.Split(v, ",") {
				q = strings.TrimSpace(q)
				if q != "" {
					c.QOPSet = append(c.QOPSet, QOP(q))
				}
			}
		}
	}
	if c.Nonce == "" {
		return nil, fmt.Errorf("digest: challenge missing nonce")
	}
	return c, nil
}

// SelectQOP picks auth-int over auth when both are offered. Returns ""
// if the challenge specified no qop (legacy RFC 2069 mode).
func (c *Challenge) SelectQOP() QOP {
	hasAuth, hasAuthInt := false, false
	for _, q := range c.QOPSet {
		switch q {
		case QOPAuth:
			hasAuth = true
		case QOPAuthInt:
			hasAuthInt = true
		}
	}
	switch {
	case hasAuthInt:
		return QOPAuthInt
	case hasAuth:
		return QOPAuth
	default:
		return ""
	}
}

// NonceCounter tracks the monotonically increasing nc value per
// (realm, nonce). Each facade owns one; there is no package-level
// counter.
type NonceCounter struct {
	mu     sync.Mutex
	counts map[string]uint32
}

// NewNonceCounter returns an empty counter.
func NewNonceCounter() *NonceCounter {
	return &NonceCounter{counts: map[string]uint32{}}
}

// Next returns the next nc for (realm, nonce), starting at 1.
func (n *NonceCounter) Next(realm, nonce string) uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := realm + "\x00" + nonce
	n.counts[key]++
	return n.counts[key]
}

func newCNonce() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Params is a computed Authorization/Proxy-Authorization value.
type Params struct {
	Username  string
	Realm     string
	Nonce     string
	URI       string
	Algorithm Algorithm
	Response  string
	Opaque    string
	QOP       QOP
	NC        uint32
	CNonce    string
}

// String renders the parameter set per spec §4.3/§6.2 ordering:
// username, realm, nonce, uri, algorithm, response, opaque?, qop, nc,
// cnonce.
func (p *Params) String() string {
	var sb strings.Builder
	sb.WriteString("Digest ")
	fmt.Fprintf(&sb, `username="%s", realm="%s", nonce="%s", uri="%s", algorithm=%s, response="%s"`,
		p.Username, p.Realm, p.Nonce, p.URI, p.Algorithm, p.Response)
	if p.Opaque != "" {
		fmt.Fprintf(&sb, `, opaque="%s"`, p.Opaque)
	}
	if p.QOP != "" {
		fmt.Fprintf(&sb, `, qop=%s, nc=%08x, cnonce="%s"`, p.QOP, p.NC, p.CNonce)
	}
	return sb.String()
}

// Build computes the Authorization value for method/uri/body under
// challenge c for the given credentials. body is only hashed when qop
// negotiates auth-int. ncSrc supplies the per-(realm, nonce) counter; a
// nil ncSrc always counts from 1, which is only correct for a single
// attempt.
func Build(creds Credentials, c *Challenge, method, uri string, body []byte, ncSrc *NonceCounter) (*Params, error) {
	cnonce, err := newCNonce()
	if err != nil {
		return nil, fmt.Errorf("digest: generate cnonce: %w", err)
	}

	alg := c.Algorithm
	if alg == "" {
		alg = MD5
	}
	qop := c.SelectQOP()

	ha1 := alg.digest(creds.Username, c.Realm, creds.Password)
	if alg.sess() {
		ha1 = alg.digest(ha1, c.Nonce, cnonce)
	}

	var ha2 string
	if qop == QOPAuthInt {
		bodyHash := alg.digest(string(body))
		ha2 = alg.digest(method, uri, bodyHash)
	} else {
		ha2 = alg.digest(method, uri)
	}

	var nc uint32
	var response string
	if qop != "" {
		if ncSrc == nil {
			ncSrc = NewNonceCounter()
		}
		nc = ncSrc.Next(c.Realm, c.Nonce)
		response = alg.digest(ha1, c.Nonce, fmt.Sprintf("%08x", nc), cnonce, string(qop), ha2)
	} else {
		response = alg.digest(ha1, c.Nonce, ha2)
	}

	return &Params{
		Username:  creds.Username,
		Realm:     c.Realm,
		Nonce:     c.Nonce,
		URI:       uri,
		Algorithm: alg,
		Response:  response,
		Opaque:    c.Opaque,
		QOP:       qop,
		NC:        nc,
		CNonce:    cnonce,
	}, nil
}

// splitParams splits a comma-separated list of name=value or
// name="value" pairs, tolerant of quoted commas.
func splitParams(s string) map[string]string {
	out := map[string]string{}
	var name, value strings.Builder
	inValue, inQuotes := false, false
	flush := func() {
		n := strings.TrimSpace(name.String())
		if n != "" {
			out[n] = strings.Trim(strings.TrimSpace(value.String()), `"`)
		}
		name.Reset()
		value.Reset()
		inValue = false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '"':
			inQuotes = !inQuotes
			if inValue {
				value.WriteByte(ch)
			}
		case ch == '=' && !inValue && !inQuotes:
			inValue = true
		case ch == ',' && !inQuotes:
			flush()
		default:
			if inValue {
				value.WriteByte(ch)
			} else {
				name.WriteByte(ch)
			}
		}
	}
	flush()
	return out
}
