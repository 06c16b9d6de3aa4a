package uac

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/arzzra/sipuac/pkg/sip/auth"
	"github.com/arzzra/sipuac/pkg/sip/core/builder"
	"github.com/arzzra/sipuac/pkg/sip/core/parser"
	"github.com/arzzra/sipuac/pkg/sip/core/types"
	"github.com/arzzra/sipuac/pkg/sip/dialog"
	"github.com/arzzra/sipuac/pkg/sip/digest"
	"github.com/arzzra/sipuac/pkg/sip/hooks"
	"github.com/arzzra/sipuac/pkg/sip/ids"
	"github.com/arzzra/sipuac/pkg/sip/metrics"
	"github.com/arzzra/sipuac/pkg/sip/refresh"
	"github.com/arzzra/sipuac/pkg/sip/transaction"
	"github.com/arzzra/sipuac/pkg/sip/transport"
)

// registration holds what auto-refresh needs to re-issue a REGISTER.
type registration struct {
	aor       string
	registrar string
	expires   int
	creds     *digest.Credentials
	granted   time.Duration
}

// Client is the facade. It owns the transport (unless one was handed
// in), the transaction and dialog tables, the auth controller, and the
// auto-refresh scheduler. Close releases the scheduler first, then the
// transactions, then the dialogs, and the transport last.
type Client struct {
	log       *slog.Logger
	hooks     *hooks.Hooks
	collector *metrics.Collector

	tp           transport.Transport
	ownTransport bool
	listenAddr   string
	viaProto     string
	localHost    string
	localPort    int

	txs     *transaction.Table
	dialogs *dialog.Table
	authCtl *auth.Controller

	timers  transaction.Timers
	algPref digest.Algorithm

	creds       *digest.Credentials
	displayName string
	identity    string
	userAgent   string

	refreshGuard time.Duration
	refreshFloor time.Duration
	authErrSink  func(error)

	readCancel context.CancelFunc
	wg         sync.WaitGroup

	mu            sync.Mutex
	closed        bool
	sched         *refresh.Scheduler
	reg           *registration
	autoRefresh   bool
	sessionScheds map[dialog.Key]*refresh.Scheduler
}

// New builds and starts a client. With no transport option it binds
// UDP on 127.0.0.1:0.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		log:           slog.Default(),
		ownTransport:  true,
		listenAddr:    "127.0.0.1:0",
		timers:        transaction.DefaultTimers(),
		algPref:       digest.SHA256,
		userAgent:     "sipuac/1.0",
		refreshGuard:  refresh.DefaultGuard,
		refreshFloor:  refresh.DefaultFloor,
		sessionScheds: make(map[dialog.Key]*refresh.Scheduler),
	}
	for _, fn := range opts {
		if err := fn(c); err != nil {
			return nil, err
		}
	}

	if c.tp == nil {
		tp, err := transport.ListenUDP(c.listenAddr, transport.WithLogger(c.log))
		if err != nil {
			return nil, err
		}
		c.tp = tp
	}
	c.viaProto = "UDP"
	if c.tp.Reliable() {
		c.viaProto = "TCP"
	}
	host, portStr, err := net.SplitHostPort(c.tp.LocalAddr().String())
	if err != nil {
		return nil, &BadArgumentError{Field: "transport local address"}
	}
	c.localHost = host
	c.localPort, _ = strconv.Atoi(portStr)

	c.txs = transaction.NewTable(c.tp,
		transaction.WithTimers(c.timers),
		transaction.WithLogger(c.log),
		transaction.WithMetrics(c.collector))
	c.dialogs = dialog.NewTable(c.log, c.collector)
	c.authCtl = auth.NewController(
		auth.WithPreferredAlgorithm(c.algPref),
		auth.WithLogger(c.log))

	ctx, cancel := context.WithCancel(context.Background())
	c.readCancel = cancel
	c.wg.Add(1)
	go c.readLoop(ctx)
	return c, nil
}

// LocalAddr returns the bound transport address.
func (c *Client) LocalAddr() net.Addr { return c.tp.LocalAddr() }

// Dialogs exposes the dialog table for inspection.
func (c *Client) Dialogs() *dialog.Table { return c.dialogs }

// Transactions exposes the transaction table for inspection.
func (c *Client) Transactions() *transaction.Table { return c.txs }

// Close is idempotent. Release order: scheduler, in-flight
// transactions (CANCEL for unanswered INVITEs), dialogs (BYE for
// confirmed ones), transport.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sched := c.sched
	c.sched = nil
	sessionScheds := c.sessionScheds
	c.sessionScheds = map[dialog.Key]*refresh.Scheduler{}
	c.mu.Unlock()

	if sched != nil {
		sched.Close()
	}
	for _, s := range sessionScheds {
		s.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Best-effort CANCEL for unanswered INVITEs.
	for _, tx := range c.txs.All() {
		if tx.Kind() != transaction.KindInvite || !tx.CanCancel() {
			continue
		}
		if cancelReq, err := transaction.NewCancel(tx.Request()); err == nil {
			c.sendDirect(ctx, cancelReq, tx.Peer())
		}
	}
	c.txs.Close()

	// Best-effort BYE for confirmed dialogs.
	for _, d := range c.dialogs.All() {
		if d.State() != dialog.StateConfirmed {
			continue
		}
		if bye, err := d.NewRequest("BYE"); err == nil {
			c.prepare(bye)
			c.sendDirect(ctx, bye, d.Peer())
		}
	}
	c.dialogs.Close()

	c.readCancel()
	var err error
	if c.ownTransport {
		err = c.tp.Close()
	}
	c.wg.Wait()
	return err
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// prepare stamps the client-side ambient headers on an outbound
// request: a fresh top Via, Max-Forwards, and User-Agent.
func (c *Client) prepare(req *types.Request) {
	via := &types.ViaHop{Transport: c.viaProto, Host: c.localHost, Port: c.localPort}
	via.SetParam("branch", ids.NewBranch())
	vias := req.Headers.Values("Via")
	req.Headers.Remove("Via")
	req.Headers.Add("Via", via.String())
	for _, v := range vias {
		req.Headers.Add("Via", v)
	}
	if !req.Headers.Has("Max-Forwards") {
		req.Headers.Add("Max-Forwards", "70")
	}
	if c.userAgent != "" && !req.Headers.Has("User-Agent") {
		req.Headers.Add("User-Agent", c.userAgent)
	}
}

// contactValue is the Contact this UA advertises.
func (c *Client) contactValue(user string) string {
	uri := &types.URI{User: user, Host: c.localHost, Port: c.localPort}
	return "<" + uri.String() + ">"
}

// resolvePeer turns a request URI (or explicit "host[:port]" override)
// into the transport destination.
func (c *Client) resolvePeer(uri *types.URI, override string) (net.Addr, error) {
	hostPort := override
	if hostPort == "" {
		port := uri.Port
		if port == 0 {
			port = 5060
			if uri.Secure {
				port = 5061
			}
		}
		hostPort = net.JoinHostPort(uri.Host, strconv.Itoa(port))
	} else if _, _, err := net.SplitHostPort(hostPort); err != nil {
		hostPort = net.JoinHostPort(hostPort, "5060")
	}
	if c.tp.Reliable() {
		return net.ResolveTCPAddr("tcp", hostPort)
	}
	return net.ResolveUDPAddr("udp", hostPort)
}

// sendDirect transmits a request outside any transaction (ACK to 2xx,
// best-effort teardown during Close).
func (c *Client) sendDirect(ctx context.Context, req *types.Request, peer net.Addr) {
	if err := c.tp.Send(ctx, builder.Request(req), peer); err != nil {
		c.log.Warn("direct send failed", "method", req.Method, "peer", peer.String(), "err", err)
	}
}

// readLoop is the transport reader: parse inbound frames, route
// responses to the transaction table, handle stray responses and
// inbound in-dialog requests.
func (c *Client) readLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		frame, err := c.tp.Recv(ctx)
		if err != nil {
			return
		}
		msg, err := parser.ParseMessage(frame.Data)
		if err != nil {
			c.log.Warn("malformed message dropped", "peer", frame.Peer.String(), "err", err)
			continue
		}
		switch m := msg.(type) {
		case *types.Response:
			if _, ok := c.txs.HandleResponse(ctx, m); !ok {
				c.handleStrayResponse(ctx, m, frame.Peer)
			}
		case *types.Request:
			c.handleInboundRequest(ctx, m, frame.Peer)
		}
	}
}

// handleStrayResponse deals with responses no live transaction claims:
// retransmitted 2xx finals for a confirmed dialog are re-ACKed, and a
// forked 2xx arriving after the first one won is answered with ACK
// plus BYE.
func (c *Client) handleStrayResponse(ctx context.Context, resp *types.Response, peer net.Addr) {
	cseq, err := resp.CSeqValue()
	if err != nil || cseq.Method != "INVITE" || !resp.IsSuccess() {
		c.log.Debug("stray response dropped", "status", resp.Status)
		return
	}

	if d, ok := c.dialogs.FindByResponse(resp); ok {
		// Retransmitted 2xx: the server has not seen our ACK yet.
		ack := d.Ack()
		c.prepare(ack)
		c.sendDirect(ctx, ack, d.Peer())
		return
	}

	callID, _ := resp.Headers.Get("Call-ID")
	fromVal, _ := resp.Headers.Get("From")
	from, err := types.ParseNameAddr(fromVal)
	if err != nil {
		return
	}
	if _, ok := c.dialogs.FirstConfirmed(callID, from.Tag()); ok {
		// Forked 2xx after the first won: accept and immediately tear
		// down the dialog it would have created.
		c.log.Debug("tearing down late forked 2xx", "call_id", callID)
		c.ackAndByeForked(ctx, resp, peer)
	}
}

// ackAndByeForked acknowledges a losing forked 2xx and ends its
// would-be dialog with BYE.
func (c *Client) ackAndByeForked(ctx context.Context, resp *types.Response, peer net.Addr) {
	cseq, err := resp.CSeqValue()
	if err != nil {
		return
	}
	target := resp.Request // may be nil for a stray response
	var ruri *types.URI
	if contact, ok := resp.Headers.Get("Contact"); ok {
		if addr, err := types.ParseNameAddr(contact); err == nil {
			ruri = addr.URI
		}
	}
	if ruri == nil && target != nil {
		ruri = target.URI
	}
	if ruri == nil {
		return
	}

	fromVal, _ := resp.Headers.Get("From")
	toVal, _ := resp.Headers.Get("To")
	callID, _ := resp.Headers.Get("Call-ID")

	build := func(method string, seq uint32) *types.Request {
		req := types.NewRequest(method, ruri.Clone())
		req.Headers.Add("From", fromVal)
		req.Headers.Add("To", toVal)
		req.Headers.Add("Call-ID", callID)
		req.Headers.Add("CSeq", types.CSeq{Seq: seq, Method: method}.String())
		c.prepare(req)
		return req
	}
	c.sendDirect(ctx, build("ACK", cseq.Seq), peer)
	c.sendDirect(ctx, build("BYE", cseq.Seq+1), peer)
}

// handleInboundRequest covers the minimal inbound surface the UAC
// needs: NOTIFY feeding a REFER subscription and BYE ending a dialog.
// Everything else is server territory and is dropped.
func (c *Client) handleInboundRequest(ctx context.Context, req *types.Request, peer net.Addr) {
	d, ok := c.dialogs.FindByInboundRequest(req)
	if !ok {
		c.log.Debug("inbound request for unknown dialog dropped", "method", req.Method)
		return
	}
	switch req.Method {
	case "NOTIFY":
		if d.HandleNotify(req) {
			c.respond(ctx, req, peer, 200, "OK")
		} else {
			c.respond(ctx, req, peer, 481, "Subscription Does Not Exist")
		}
	case "BYE":
		c.respond(ctx, req, peer, 200, "OK")
		c.stopSessionRefresh(d.Key())
		c.dialogs.Remove(d.Key())
	default:
		c.log.Debug("inbound request dropped", "method", req.Method)
	}
}

// respond emits a minimal response to an inbound in-dialog request.
func (c *Client) respond(ctx context.Context, req *types.Request, peer net.Addr, status int, reason string) {
	resp := types.NewResponse(status, reason)
	for _, v := range req.Headers.Values("Via") {
		resp.Headers.Add("Via", v)
	}
	if from, ok := req.Headers.Get("From"); ok {
		resp.Headers.Add("From", from)
	}
	if to, ok := req.Headers.Get("To"); ok {
		resp.Headers.Add("To", to)
	}
	if callID, ok := req.Headers.Get("Call-ID"); ok {
		resp.Headers.Add("Call-ID", callID)
	}
	if cseq, ok := req.Headers.Get("CSeq"); ok {
		resp.Headers.Add("CSeq", cseq)
	}
	if err := c.tp.Send(ctx, builder.Response(resp), peer); err != nil {
		c.log.Warn("response send failed", "status", status, "err", err)
	}
}

// do drives one request through the pipeline: pre-send hooks,
// transaction creation, provisional and dialog handling, post-receive
// hooks, and (once per challenge) the auth controller.
func (c *Client) do(ctx context.Context, req *types.Request, peer net.Addr, perCall *digest.Credentials, allowAuthRetry bool) (*types.Response, error) {
	if c.isClosed() {
		return nil, &ClosedError{}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	hctx := &hooks.RequestContext{Peer: peer, Source: peer, SentAt: time.Now()}
	req, err := c.hooks.RunOnRequest(req, hctx)
	if err != nil {
		return nil, err
	}

	tx, err := c.txs.Send(ctx, req, peer)
	if err != nil {
		return nil, err
	}
	hctx.Transaction = tx

	var final *types.Response
waiting:
	for {
		select {
		case prov := <-tx.Provisionals():
			c.onProvisional(req, prov, peer, hctx)
		case resp := <-tx.FinalCh():
			final = resp
			break waiting
		case err := <-tx.ErrCh():
			return nil, err
		case <-ctx.Done():
			tx.Terminate()
			return nil, ctx.Err()
		}
	}

	// Provisionals may still sit in the queue behind the final; the
	// 180-before-200 ordering matters for early dialog state.
	for {
		select {
		case prov := <-tx.Provisionals():
			c.onProvisional(req, prov, peer, hctx)
			continue
		default:
		}
		break
	}

	hctx.ReceivedAt = time.Now()
	out, err := c.hooks.RunOnResponse(final, hctx)
	if err != nil {
		return nil, err
	}
	final = out

	if req.Method == "INVITE" {
		if d, _, derr := c.dialogs.OnInviteResponse(req, final, peer); derr == nil && d != nil {
			hctx.Dialog = d
		}
		if final.Status >= 300 {
			// A non-2xx final ends any early dialog the INVITE opened.
			callID, _ := req.Headers.Get("Call-ID")
			c.dialogs.RemoveEarly(callID, req.FromTag())
		}
	}

	if allowAuthRetry && auth.IsChallenge(final) {
		if err := c.hooks.RunOnAuthChallenge(final, hctx); err != nil {
			return nil, err
		}
		creds, ok := auth.SelectCredentials(perCall, c.creds, nil)
		if !ok {
			return final, nil
		}
		rebuilt, err := c.authCtl.Rebuild(req, final, creds)
		if err != nil {
			return nil, err
		}
		c.collector.AuthRetry()
		second, err := c.do(ctx, rebuilt, peer, perCall, false)
		if err != nil {
			return nil, err
		}
		if auth.IsChallenge(second) {
			// Second refusal surfaces as the raw response so the
			// application can inspect the fresh challenge.
			c.collector.AuthFailure()
		}
		return second, nil
	}
	return final, nil
}

func (c *Client) onProvisional(req *types.Request, prov *types.Response, peer net.Addr, hctx *hooks.RequestContext) {
	hctx.ReceivedAt = time.Now()
	if req.Method == "INVITE" {
		if d, _, err := c.dialogs.OnInviteResponse(req, prov, peer); err == nil && d != nil {
			hctx.Dialog = d
		}
	}
	if _, err := c.hooks.RunOnResponse(prov, hctx); err != nil {
		c.log.Warn("provisional hook failed", "err", err)
	}
}
