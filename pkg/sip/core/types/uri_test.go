package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURIBasic(t *testing.T) {
	u, err := ParseURI("sip:alice:secret@example.com:5061;transport=tcp")
	require.NoError(t, err)
	assert.Equal(t, "sip", u.Scheme())
	assert.Equal(t, "alice", u.User)
	assert.Equal(t, "secret", u.Password)
	assert.Equal(t, "example.com", u.Host)
	assert.Equal(t, 5061, u.Port)
	v, ok := u.Param("transport")
	require.True(t, ok)
	assert.Equal(t, "tcp", v)
}

func TestParseURIIPv6(t *testing.T) {
	u, err := ParseURI("sips:[2001:db8::1]:5061")
	require.NoError(t, err)
	assert.True(t, u.Secure)
	assert.Equal(t, "2001:db8::1", u.Host)
	assert.Equal(t, 5061, u.Port)
}

func TestURIEqualityDefaultPort(t *testing.T) {
	a, _ := ParseURI("sip:alice@example.com")
	b, _ := ParseURI("sip:alice@example.com:5060")
	assert.True(t, a.Equal(b))
}

func TestURIEqualityUserParam(t *testing.T) {
	a, _ := ParseURI("sip:example.com;user=phone")
	b, _ := ParseURI("sip:example.com")
	assert.False(t, a.Equal(b))
}

func TestURIRoundTrip(t *testing.T) {
	raw := "sip:alice@example.com:5060;transport=udp"
	u, err := ParseURI(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, u.String())
}

func TestHeadersOrderedPutsContentLengthLast(t *testing.T) {
	h := NewHeaders()
	h.Add("Content-Length", "0")
	h.Add("Via", "SIP/2.0/UDP h;branch=z9hG4bK1")
	h.Add("X-Custom", "1")

	ordered := h.Ordered()
	assert.Equal(t, "Content-Length", ordered[len(ordered)-1].Name)
	assert.Equal(t, "Via", ordered[0].Name)
}

func TestHeadersCaseInsensitiveCompactForm(t *testing.T) {
	h := NewHeaders()
	h.Add("v", "SIP/2.0/UDP h;branch=z9hG4bK1")
	v, ok := h.Get("Via")
	require.True(t, ok)
	assert.Contains(t, v, "branch")
}
