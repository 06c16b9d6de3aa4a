package transaction

import (
	"github.com/arzzra/sipuac/pkg/sip/core/types"
)

// NewCancel constructs the CANCEL for a pending INVITE per RFC 3261
// §9.1: same Request-URI, To, From, Call-ID and top Via (same branch);
// CSeq keeps the INVITE's number with the method swapped to CANCEL.
// The CANCEL consumes its own non-INVITE transaction.
func NewCancel(invite *types.Request) (*types.Request, error) {
	cancel := types.NewRequest("CANCEL", invite.URI.Clone())
	via, err := invite.TopVia()
	if err != nil {
		return nil, err
	}
	cancel.Headers.Add("Via", via.String())
	cancel.Headers.Add("Max-Forwards", "70")
	if from, ok := invite.Headers.Get("From"); ok {
		cancel.Headers.Add("From", from)
	}
	if to, ok := invite.Headers.Get("To"); ok {
		cancel.Headers.Add("To", to)
	}
	if callID, ok := invite.Headers.Get("Call-ID"); ok {
		cancel.Headers.Add("Call-ID", callID)
	}
	cseq, err := invite.CSeqValue()
	if err != nil {
		return nil, err
	}
	cancel.Headers.Add("CSeq", types.CSeq{Seq: cseq.Seq, Method: "CANCEL"}.String())
	for _, route := range invite.Headers.Values("Route") {
		cancel.Headers.Add("Route", route)
	}
	return cancel, nil
}
