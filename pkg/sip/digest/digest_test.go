package digest

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDeterministicGivenNCAndCNonce(t *testing.T) {
	creds := Credentials{Username: "1111", Password: "1111xxx"}
	ch := &Challenge{Realm: "asterisk", Nonce: "NONCE1", Algorithm: MD5, QOPSet: []QOP{QOPAuth}}

	p1, err := Build(creds, ch, "REGISTER", "sip:server", nil, NewNonceCounter())
	require.NoError(t, err)
	assert.Equal(t, uint32(1), p1.NC)

	ha1 := md5hex("1111:asterisk:1111xxx")
	ha2 := md5hex("REGISTER:sip:server")
	want := md5hex(fmt.Sprintf("%s:NONCE1:%08x:%s:auth:%s", ha1, p1.NC, p1.CNonce, ha2))
	assert.Equal(t, want, p1.Response)
}

func TestNonceCounterIncrementsPerRealmNonce(t *testing.T) {
	nc := NewNonceCounter()
	assert.Equal(t, uint32(1), nc.Next("r", "n1"))
	assert.Equal(t, uint32(2), nc.Next("r", "n1"))
	assert.Equal(t, uint32(1), nc.Next("r", "n2"))
}

func TestBuildAuthIntDependsOnBody(t *testing.T) {
	creds := Credentials{Username: "u", Password: "p"}
	ch := &Challenge{Realm: "r", Nonce: "n", Algorithm: MD5, QOPSet: []QOP{QOPAuthInt}}

	p1, err := Build(creds, ch, "MESSAGE", "sip:server", []byte("hello"), NewNonceCounter())
	require.NoError(t, err)
	p2, err := Build(creds, ch, "MESSAGE", "sip:server", []byte("world"), NewNonceCounter())
	require.NoError(t, err)

	assert.NotEqual(t, p1.Response, p2.Response)
}

func TestSelectQOPPrefersAuthInt(t *testing.T) {
	ch := &Challenge{QOPSet: []QOP{QOPAuth, QOPAuthInt}}
	assert.Equal(t, QOPAuthInt, ch.SelectQOP())
}

func TestParseChallenge(t *testing.T) {
	ch, err := ParseChallenge(`Digest realm="asterisk", nonce="NONCE1", algorithm=MD5, qop="auth"`)
	require.NoError(t, err)
	assert.Equal(t, "asterisk", ch.Realm)
	assert.Equal(t, "NONCE1", ch.Nonce)
	assert.Equal(t, MD5, ch.Algorithm)
	assert.Equal(t, QOPAuth, ch.SelectQOP())
}

func TestParamsStringOrder(t *testing.T) {
	p := &Params{Username: "1111", Realm: "asterisk", Nonce: "NONCE1", URI: "sip:server",
		Algorithm: MD5, Response: "deadbeef", QOP: QOPAuth, NC: 1, CNonce: "abc123"}
	s := p.String()
	assert.Regexp(t, `^Digest username="1111", realm="asterisk", nonce="NONCE1", uri="sip:server", algorithm=MD5, response="deadbeef", qop=auth, nc=00000001, cnonce="abc123"$`, s)
}

func md5hex(s string) string {
	h := md5.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}
