package dialog

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sipuac/pkg/sip/core/types"
)

func peerAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5080}
}

func testInvite(t *testing.T) *types.Request {
	t.Helper()
	uri, err := types.ParseURI("sip:bob@example.com")
	require.NoError(t, err)
	req := types.NewRequest("INVITE", uri)
	req.Headers.Add("Via", "SIP/2.0/UDP 127.0.0.1:5060;branch=z9hG4bKabcdef01")
	req.Headers.Add("From", "<sip:alice@example.com>;tag=ltag1")
	req.Headers.Add("To", "<sip:bob@example.com>")
	req.Headers.Add("Call-ID", "call1@127.0.0.1")
	req.Headers.Add("CSeq", "4 INVITE")
	return req
}

func testResponse(req *types.Request, status int, toTag string) *types.Response {
	resp := types.NewResponse(status, "x")
	if via, ok := req.Headers.Get("Via"); ok {
		resp.Headers.Add("Via", via)
	}
	from, _ := req.Headers.Get("From")
	resp.Headers.Add("From", from)
	to, _ := req.Headers.Get("To")
	if toTag != "" {
		to += ";tag=" + toTag
	}
	resp.Headers.Add("To", to)
	callID, _ := req.Headers.Get("Call-ID")
	resp.Headers.Add("Call-ID", callID)
	cseq, _ := req.Headers.Get("CSeq")
	resp.Headers.Add("CSeq", cseq)
	return resp
}

func TestEarlyDialogOnProvisionalWithToTag(t *testing.T) {
	table := NewTable(nil, nil)
	invite := testInvite(t)

	// A 100 without a To-tag forms no dialog.
	d, created, err := table.OnInviteResponse(invite, testResponse(invite, 100, ""), peerAddr())
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.False(t, created)

	resp := testResponse(invite, 180, "rtag1")
	resp.Headers.Add("Contact", "<sip:bob@10.0.0.2:5070>")
	d, created, err = table.OnInviteResponse(invite, resp, peerAddr())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.True(t, created)
	assert.Equal(t, StateEarly, d.State())
	assert.Equal(t, Key{CallID: "call1@127.0.0.1", LocalTag: "ltag1", RemoteTag: "rtag1"}, d.Key())
	assert.Equal(t, "sip:bob@10.0.0.2:5070", d.RemoteTarget().String())
}

func TestConfirmOn2xxUpdatesRouteSet(t *testing.T) {
	table := NewTable(nil, nil)
	invite := testInvite(t)

	early := testResponse(invite, 180, "rtag1")
	_, _, err := table.OnInviteResponse(invite, early, peerAddr())
	require.NoError(t, err)

	final := testResponse(invite, 200, "rtag1")
	final.Headers.Add("Contact", "<sip:bob@10.0.0.2:5070>")
	final.Headers.Add("Record-Route", "<sip:p1.example.com;lr>")
	final.Headers.Add("Record-Route", "<sip:p2.example.com;lr>")
	d, created, err := table.OnInviteResponse(invite, final, peerAddr())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.False(t, created) // same dialog, confirmed in place
	assert.Equal(t, StateConfirmed, d.State())

	// Record-Route reversed: the last recorded hop is traversed first.
	routes := d.RouteSet()
	require.Len(t, routes, 2)
	assert.Equal(t, "p2.example.com", routes[0].URI.Host)
	assert.Equal(t, "p1.example.com", routes[1].URI.Host)
}

func TestInDialogCSeqStrictlyIncreasing(t *testing.T) {
	table := NewTable(nil, nil)
	invite := testInvite(t)
	resp := testResponse(invite, 200, "rtag1")
	resp.Headers.Add("Contact", "<sip:bob@10.0.0.2:5070>")
	d, _, err := table.OnInviteResponse(invite, resp, peerAddr())
	require.NoError(t, err)

	var last uint32 = 4 // the INVITE's CSeq
	for _, method := range []string{"INFO", "UPDATE", "BYE"} {
		req, err := d.NewRequest(method)
		require.NoError(t, err)
		cseq, err := req.CSeqValue()
		require.NoError(t, err)
		assert.Greater(t, cseq.Seq, last)
		last = cseq.Seq
	}
}

func TestAckReusesInviteCSeqNumber(t *testing.T) {
	table := NewTable(nil, nil)
	invite := testInvite(t)
	resp := testResponse(invite, 200, "rtag1")
	resp.Headers.Add("Contact", "<sip:bob@10.0.0.2:5070>")
	d, _, err := table.OnInviteResponse(invite, resp, peerAddr())
	require.NoError(t, err)

	// An INFO bumps the local sequence; the ACK still uses the INVITE's.
	_, err = d.NewRequest("INFO")
	require.NoError(t, err)

	ack := d.Ack()
	cseq, err := ack.CSeqValue()
	require.NoError(t, err)
	assert.Equal(t, uint32(4), cseq.Seq)
	assert.Equal(t, "ACK", cseq.Method)
	// The dialog-scope ACK carries no Via: the facade stamps a fresh
	// branch, making it a new transaction.
	assert.False(t, ack.Headers.Has("Via"))
}

func TestInDialogRequestShape(t *testing.T) {
	table := NewTable(nil, nil)
	invite := testInvite(t)
	resp := testResponse(invite, 200, "rtag1")
	resp.Headers.Add("Contact", "<sip:bob@10.0.0.2:5070>")
	resp.Headers.Add("Record-Route", "<sip:p1.example.com;lr>")
	d, _, err := table.OnInviteResponse(invite, resp, peerAddr())
	require.NoError(t, err)

	bye, err := d.NewRequest("BYE")
	require.NoError(t, err)
	assert.Equal(t, "sip:bob@10.0.0.2:5070", bye.URI.String())

	from, _ := bye.Headers.Get("From")
	assert.Contains(t, from, "tag=ltag1")
	to, _ := bye.Headers.Get("To")
	assert.Contains(t, to, "tag=rtag1")
	callID, _ := bye.Headers.Get("Call-ID")
	assert.Equal(t, "call1@127.0.0.1", callID)
	assert.Equal(t, []string{"<sip:p1.example.com;lr>"}, bye.Headers.Values("Route"))
}

func TestTerminatedDialogRejectsRequests(t *testing.T) {
	table := NewTable(nil, nil)
	invite := testInvite(t)
	d, _, err := table.OnInviteResponse(invite, testResponse(invite, 200, "rtag1"), peerAddr())
	require.NoError(t, err)

	d.Terminate()
	_, err = d.NewRequest("BYE")
	var terminated *TerminatedError
	assert.ErrorAs(t, err, &terminated)
}

func TestRemoveEarlyOnFinalFailure(t *testing.T) {
	table := NewTable(nil, nil)
	invite := testInvite(t)
	_, _, err := table.OnInviteResponse(invite, testResponse(invite, 183, "rtag1"), peerAddr())
	require.NoError(t, err)

	table.RemoveEarly("call1@127.0.0.1", "ltag1")
	_, ok := table.Find(Key{CallID: "call1@127.0.0.1", LocalTag: "ltag1", RemoteTag: "rtag1"})
	assert.False(t, ok)
}

func TestForkingFirst2xxWins(t *testing.T) {
	table := NewTable(nil, nil)
	invite := testInvite(t)

	first := testResponse(invite, 200, "fork-a")
	d1, created, err := table.OnInviteResponse(invite, first, peerAddr())
	require.NoError(t, err)
	require.NotNil(t, d1)
	assert.True(t, created)

	second := testResponse(invite, 200, "fork-b")
	d2, created, err := table.OnInviteResponse(invite, second, peerAddr())
	require.NoError(t, err)
	assert.Nil(t, d2)
	assert.False(t, created)

	winner, ok := table.FirstConfirmed("call1@127.0.0.1", "ltag1")
	require.True(t, ok)
	assert.Same(t, d1, winner)
}

func TestFindByInboundRequest(t *testing.T) {
	table := NewTable(nil, nil)
	invite := testInvite(t)
	d, _, err := table.OnInviteResponse(invite, testResponse(invite, 200, "rtag1"), peerAddr())
	require.NoError(t, err)

	// Inbound requests swap the tag perspective.
	uri, _ := types.ParseURI("sip:alice@example.com")
	notify := types.NewRequest("NOTIFY", uri)
	notify.Headers.Add("From", "<sip:bob@example.com>;tag=rtag1")
	notify.Headers.Add("To", "<sip:alice@example.com>;tag=ltag1")
	notify.Headers.Add("Call-ID", "call1@127.0.0.1")

	found, ok := table.FindByInboundRequest(notify)
	require.True(t, ok)
	assert.Same(t, d, found)
}
