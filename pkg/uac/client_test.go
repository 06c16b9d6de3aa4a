package uac

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sipuac/pkg/sip/auth"
	"github.com/arzzra/sipuac/pkg/sip/core/builder"
	"github.com/arzzra/sipuac/pkg/sip/core/parser"
	"github.com/arzzra/sipuac/pkg/sip/core/types"
	"github.com/arzzra/sipuac/pkg/sip/digest"
	"github.com/arzzra/sipuac/pkg/sip/hooks"
	"github.com/arzzra/sipuac/pkg/sip/transaction"
	"github.com/arzzra/sipuac/pkg/sip/transport"
)

// stubTransport plays the server side in-process: every outbound
// request is parsed and handed to the scenario script, whose responses
// are injected back as inbound frames.
type stubTransport struct {
	mu     sync.Mutex
	sent   []*types.Request
	script func(req *types.Request) []*types.Response
	frames chan transport.Frame
	closed bool
}

func newStubTransport() *stubTransport {
	return &stubTransport{frames: make(chan transport.Frame, 64)}
}

func (s *stubTransport) serverAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5062}
}

func (s *stubTransport) Send(_ context.Context, data []byte, _ net.Addr) error {
	msg, err := parser.ParseMessage(data)
	if err != nil {
		return err
	}
	req, ok := msg.(*types.Request)
	if !ok {
		return nil // responses we emit (NOTIFY 200s) are not scripted
	}

	s.mu.Lock()
	s.sent = append(s.sent, req)
	script := s.script
	s.mu.Unlock()

	if script != nil {
		for _, resp := range script(req) {
			s.inject(resp)
		}
	}
	return nil
}

func (s *stubTransport) inject(resp *types.Response) {
	s.frames <- transport.Frame{Data: builder.Response(resp), Peer: s.serverAddr()}
}

func (s *stubTransport) Recv(ctx context.Context) (transport.Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-ctx.Done():
		return transport.Frame{}, ctx.Err()
	}
}

func (s *stubTransport) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5061}
}
func (s *stubTransport) Reliable() bool { return false }
func (s *stubTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubTransport) requests(method string) []*types.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Request
	for _, req := range s.sent {
		if req.Method == method {
			out = append(out, req)
		}
	}
	return out
}

// respond builds the scripted response to req.
func respond(req *types.Request, status int, reason, toTag string, mutate func(*types.Response)) *types.Response {
	resp := types.NewResponse(status, reason)
	for _, via := range req.Headers.Values("Via") {
		resp.Headers.Add("Via", via)
	}
	if from, ok := req.Headers.Get("From"); ok {
		resp.Headers.Add("From", from)
	}
	to, _ := req.Headers.Get("To")
	if toTag != "" {
		to += ";tag=" + toTag
	}
	resp.Headers.Add("To", to)
	if callID, ok := req.Headers.Get("Call-ID"); ok {
		resp.Headers.Add("Call-ID", callID)
	}
	if cseq, ok := req.Headers.Get("CSeq"); ok {
		resp.Headers.Add("CSeq", cseq)
	}
	if mutate != nil {
		mutate(resp)
	}
	return resp
}

func tinyTimers() transaction.Timers {
	return transaction.Timers{
		T1: 50 * time.Millisecond,
		T2: 400 * time.Millisecond,
		T4: 50 * time.Millisecond,
		D:  50 * time.Millisecond,
	}
}

func newTestClient(t *testing.T, stub *stubTransport, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithTransport(stub),
		WithTimers(tinyTimers()),
		WithIdentity("Alice", "sip:alice@127.0.0.1"),
	}
	c, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

var authParamRe = regexp.MustCompile(`(\w+)=(?:"([^"]*)"|([^,\s]+))`)

func parseAuthParams(value string) map[string]string {
	out := map[string]string{}
	for _, m := range authParamRe.FindAllStringSubmatch(value, -1) {
		v := m[2]
		if v == "" {
			v = m[3]
		}
		out[m[1]] = v
	}
	return out
}

func md5hex(s string) string {
	h := md5.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}

// S1: register, get challenged, retry with Digest, succeed.
func TestRegisterWithAuthChallenge(t *testing.T) {
	stub := newStubTransport()
	stub.script = func(req *types.Request) []*types.Response {
		if req.Method != "REGISTER" {
			return nil
		}
		if !req.Headers.Has("Authorization") {
			return []*types.Response{respond(req, 401, "Unauthorized", "", func(r *types.Response) {
				r.Headers.Add("WWW-Authenticate", `Digest realm="asterisk", nonce="NONCE1", algorithm=MD5, qop="auth"`)
			})}
		}
		contact, _ := req.Headers.Get("Contact")
		return []*types.Response{respond(req, 200, "OK", "srv1", func(r *types.Response) {
			r.Headers.Add("Contact", contact+";expires=3599")
		})}
	}
	c := newTestClient(t, stub, WithCredentials(digest.Credentials{Username: "1111", Password: "1111xxx"}))

	resp, err := c.Register(context.Background(), "sip:1111@127.0.0.1", WithRegistrar("127.0.0.1:5062"))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)

	registers := stub.requests("REGISTER")
	require.Len(t, registers, 2)
	assert.False(t, registers[0].Headers.Has("Authorization"))

	authz, ok := registers[1].Headers.Get("Authorization")
	require.True(t, ok)
	params := parseAuthParams(authz)
	assert.Equal(t, "1111", params["username"])
	assert.Equal(t, "asterisk", params["realm"])
	assert.Equal(t, "NONCE1", params["nonce"])
	assert.Equal(t, "00000001", params["nc"])

	ha1 := md5hex("1111:asterisk:1111xxx")
	ha2 := md5hex("REGISTER:" + params["uri"])
	want := md5hex(fmt.Sprintf("%s:NONCE1:00000001:%s:auth:%s", ha1, params["cnonce"], ha2))
	assert.Equal(t, want, params["response"])

	// The retry is a new transaction with a bumped CSeq.
	cseq1, _ := registers[0].CSeqValue()
	cseq2, _ := registers[1].CSeqValue()
	assert.Equal(t, cseq1.Seq+1, cseq2.Seq)
	b1, _ := registers[0].TopVia()
	b2, _ := registers[1].TopVia()
	assert.NotEqual(t, b1.Branch(), b2.Branch())
}

// S2: INVITE answered 100 then 404; the transaction ACKs on its own.
func TestInviteRejectedGetsAutoAck(t *testing.T) {
	stub := newStubTransport()
	stub.script = func(req *types.Request) []*types.Response {
		if req.Method != "INVITE" {
			return nil
		}
		return []*types.Response{
			respond(req, 100, "Trying", "", nil),
			respond(req, 404, "Not Found", "t404", nil),
		}
	}
	c := newTestClient(t, stub)

	resp, err := c.Invite(context.Background(), "sip:bob@127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 404, resp.Status)

	invites := stub.requests("INVITE")
	require.Len(t, invites, 1)
	acks := stub.requests("ACK")
	require.Len(t, acks, 1)

	iv, _ := invites[0].TopVia()
	av, _ := acks[0].TopVia()
	assert.Equal(t, iv.Branch(), av.Branch())

	icseq, _ := invites[0].CSeqValue()
	acseq, _ := acks[0].CSeqValue()
	assert.Equal(t, icseq.Seq, acseq.Seq)

	toVal, _ := acks[0].Headers.Get("To")
	assert.Contains(t, toVal, "tag=t404")
}

// S3: INVITE / 180 / 200 / ACK / BYE with dialog-scope CSeq handling.
func TestInviteConfirmedAckAndBye(t *testing.T) {
	stub := newStubTransport()
	stub.script = func(req *types.Request) []*types.Response {
		switch req.Method {
		case "INVITE":
			contact := func(r *types.Response) {
				r.Headers.Add("Contact", "<sip:bob@127.0.0.1:5062>")
			}
			return []*types.Response{
				respond(req, 180, "Ringing", "t1", contact),
				respond(req, 200, "OK", "t1", func(r *types.Response) {
					contact(r)
					r.Headers.Add("Content-Type", "application/sdp")
					r.Body = []byte("v=0\r\no=bob 1 1 IN IP4 127.0.0.1\r\ns=-\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\nm=audio 4000 RTP/AVP 0\r\n")
				}),
			}
		case "BYE":
			return []*types.Response{respond(req, 200, "OK", "", nil)}
		}
		return nil
	}
	c := newTestClient(t, stub)

	resp, err := c.Invite(context.Background(), "sip:bob@127.0.0.1")
	require.NoError(t, err)
	require.Equal(t, 200, resp.Status)

	dialogs := c.Dialogs().All()
	require.Len(t, dialogs, 1)
	assert.Equal(t, "confirmed", dialogs[0].State())

	require.NoError(t, c.Ack(context.Background(), resp))

	byeResp, err := c.Bye(context.Background(), resp)
	require.NoError(t, err)
	assert.Equal(t, 200, byeResp.Status)
	assert.Empty(t, c.Dialogs().All())

	invites := stub.requests("INVITE")
	acks := stub.requests("ACK")
	byes := stub.requests("BYE")
	require.Len(t, invites, 1)
	require.Len(t, acks, 1)
	require.Len(t, byes, 1)

	iv, _ := invites[0].TopVia()
	av, _ := acks[0].TopVia()
	bv, _ := byes[0].TopVia()
	// Dialog-scope ACK and BYE are new transactions: fresh branches.
	assert.NotEqual(t, iv.Branch(), av.Branch())
	assert.NotEqual(t, iv.Branch(), bv.Branch())

	icseq, _ := invites[0].CSeqValue()
	acseq, _ := acks[0].CSeqValue()
	bcseq, _ := byes[0].CSeqValue()
	assert.Equal(t, icseq.Seq, acseq.Seq)   // ACK reuses the INVITE number
	assert.Equal(t, icseq.Seq+1, bcseq.Seq) // BYE increments it
}

// S4: two 401s with fresh nonces; the second one comes back verbatim.
func TestAuthLoopGuard(t *testing.T) {
	stub := newStubTransport()
	nonce := 0
	stub.script = func(req *types.Request) []*types.Response {
		if req.Method != "REGISTER" {
			return nil
		}
		nonce++
		n := fmt.Sprintf("NONCE%d", nonce)
		return []*types.Response{respond(req, 401, "Unauthorized", "", func(r *types.Response) {
			r.Headers.Add("WWW-Authenticate", `Digest realm="asterisk", nonce="`+n+`", algorithm=MD5, qop="auth"`)
		})}
	}
	c := newTestClient(t, stub, WithCredentials(digest.Credentials{Username: "1111", Password: "bad"}))

	resp, err := c.Register(context.Background(), "sip:1111@127.0.0.1", WithRegistrar("127.0.0.1:5062"))
	require.NoError(t, err)
	assert.Equal(t, 401, resp.Status)

	// Exactly two transactions; no loop.
	assert.Len(t, stub.requests("REGISTER"), 2)
	wwwAuth, _ := resp.Headers.Get("WWW-Authenticate")
	assert.Contains(t, wwwAuth, "NONCE2")
}

// S5: auto-refresh cadence with the floor clamping short grants.
func TestAutoRefreshCadence(t *testing.T) {
	stub := newStubTransport()
	stub.script = func(req *types.Request) []*types.Response {
		if req.Method != "REGISTER" {
			return nil
		}
		return []*types.Response{respond(req, 200, "OK", "", func(r *types.Response) {
			r.Headers.Add("Expires", "1")
		})}
	}
	c := newTestClient(t, stub,
		WithRefreshGuard(time.Second),
		WithRefreshFloor(50*time.Millisecond))

	require.NoError(t, c.EnableAutoRefresh("sip:1111@127.0.0.1"))
	_, err := c.Register(context.Background(), "sip:1111@127.0.0.1", WithRegistrar("127.0.0.1:5062"))
	require.NoError(t, err)

	// granted=1s, guard=1s → interval clamps to the 50ms floor.
	assert.Eventually(t, func() bool { return len(stub.requests("REGISTER")) >= 4 },
		3*time.Second, 20*time.Millisecond)

	c.DisableAutoRefresh()
	time.Sleep(100 * time.Millisecond)
	count := len(stub.requests("REGISTER"))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, count, len(stub.requests("REGISTER")))
}

// S6: CANCEL after a provisional; 487 ends the INVITE with an auto-ACK.
func TestCancelPendingInvite(t *testing.T) {
	stub := newStubTransport()
	var inviteReq *types.Request
	var scriptMu sync.Mutex
	stub.script = func(req *types.Request) []*types.Response {
		switch req.Method {
		case "INVITE":
			scriptMu.Lock()
			inviteReq = req
			scriptMu.Unlock()
			return []*types.Response{respond(req, 100, "Trying", "", nil)}
		case "CANCEL":
			scriptMu.Lock()
			invite := inviteReq
			scriptMu.Unlock()
			return []*types.Response{
				respond(req, 200, "OK", "", nil),
				respond(invite, 487, "Request Terminated", "t487", nil),
			}
		}
		return nil
	}
	c := newTestClient(t, stub)

	type inviteResult struct {
		resp *types.Response
		err  error
	}
	done := make(chan inviteResult, 1)
	go func() {
		resp, err := c.Invite(context.Background(), "sip:bob@127.0.0.1")
		done <- inviteResult{resp, err}
	}()

	// Wait for the INVITE transaction to reach Proceeding.
	var txnID string
	require.Eventually(t, func() bool {
		for _, tx := range c.Transactions().All() {
			if tx.Kind() == transaction.KindInvite && tx.CanCancel() {
				txnID = tx.ID()
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	cancelResp, err := c.Cancel(context.Background(), txnID)
	require.NoError(t, err)
	assert.Equal(t, 200, cancelResp.Status)

	result := <-done
	require.NoError(t, result.err)
	assert.Equal(t, 487, result.resp.Status)

	// The 487 was ACKed inside the INVITE transaction.
	require.Eventually(t, func() bool { return len(stub.requests("ACK")) == 1 },
		2*time.Second, 10*time.Millisecond)
	iv, _ := stub.requests("INVITE")[0].TopVia()
	av, _ := stub.requests("ACK")[0].TopVia()
	assert.Equal(t, iv.Branch(), av.Branch())

	// CANCEL shares the INVITE's branch but is its own transaction.
	cv, _ := stub.requests("CANCEL")[0].TopVia()
	assert.Equal(t, iv.Branch(), cv.Branch())
}

func TestHookCancelsSend(t *testing.T) {
	stub := newStubTransport()
	c := newTestClient(t, stub, WithHooks(&hooks.Hooks{
		OnRequest: func(*types.Request, *hooks.RequestContext) (*types.Request, error) {
			return nil, nil
		},
	}))

	_, err := c.Options(context.Background(), "sip:bob@127.0.0.1")
	assert.ErrorIs(t, err, hooks.ErrCancelled)
	assert.Empty(t, stub.requests("OPTIONS"))
}

func TestRetryWithAuthExplicit(t *testing.T) {
	stub := newStubTransport()
	stub.script = func(req *types.Request) []*types.Response {
		if req.Method != "REGISTER" {
			return nil
		}
		if !req.Headers.Has("Authorization") {
			return []*types.Response{respond(req, 401, "Unauthorized", "", func(r *types.Response) {
				r.Headers.Add("WWW-Authenticate", `Digest realm="r", nonce="n1", algorithm=MD5, qop="auth"`)
			})}
		}
		return []*types.Response{respond(req, 200, "OK", "", nil)}
	}
	// No client-level credentials: the 401 comes back to the caller.
	c := newTestClient(t, stub)

	challenge, err := c.Register(context.Background(), "sip:1111@127.0.0.1", WithRegistrar("127.0.0.1:5062"))
	require.NoError(t, err)
	require.Equal(t, 401, challenge.Status)

	// Without credentials the explicit retry fails loudly.
	_, err = c.RetryWithAuth(context.Background(), challenge, nil)
	var failed *auth.FailedError
	require.ErrorAs(t, err, &failed)

	resp, err := c.RetryWithAuth(context.Background(), challenge,
		&digest.Credentials{Username: "1111", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
}

func TestMessageCarriesBody(t *testing.T) {
	stub := newStubTransport()
	stub.script = func(req *types.Request) []*types.Response {
		if req.Method == "MESSAGE" {
			return []*types.Response{respond(req, 200, "OK", "", nil)}
		}
		return nil
	}
	c := newTestClient(t, stub)

	resp, err := c.Message(context.Background(), "sip:bob@127.0.0.1", "hello there")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)

	msgs := stub.requests("MESSAGE")
	require.Len(t, msgs, 1)
	ct, _ := msgs[0].Headers.Get("Content-Type")
	assert.Equal(t, "text/plain", ct)
	assert.Equal(t, "hello there", string(msgs[0].Body))
}

func TestOptionsReturnsFinal(t *testing.T) {
	stub := newStubTransport()
	stub.script = func(req *types.Request) []*types.Response {
		if req.Method == "OPTIONS" {
			return []*types.Response{respond(req, 200, "OK", "", func(r *types.Response) {
				r.Headers.Add("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, MESSAGE")
			})}
		}
		return nil
	}
	c := newTestClient(t, stub)

	resp, err := c.Options(context.Background(), "sip:bob@127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	allow, _ := resp.Headers.Get("Allow")
	assert.Contains(t, allow, "INVITE")
}

func TestCloseIsIdempotentAndStopsWork(t *testing.T) {
	stub := newStubTransport()
	c := newTestClient(t, stub)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Options(context.Background(), "sip:bob@127.0.0.1")
	var closed *ClosedError
	assert.ErrorAs(t, err, &closed)
}

func TestBadArguments(t *testing.T) {
	stub := newStubTransport()
	c := newTestClient(t, stub)

	var bad *BadArgumentError
	_, err := c.Register(context.Background(), "")
	assert.ErrorAs(t, err, &bad)

	_, err = c.Invite(context.Background(), "not-a-uri")
	assert.ErrorAs(t, err, &bad)

	_, err = c.Cancel(context.Background(), "no-such-transaction")
	assert.ErrorAs(t, err, &bad)

	err = c.Ack(context.Background(), types.NewResponse(404, "Not Found"))
	assert.ErrorAs(t, err, &bad)
}
