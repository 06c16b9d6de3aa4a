package transaction

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/arzzra/sipuac/pkg/sip/core/types"
	"github.com/arzzra/sipuac/pkg/sip/ids"
)

// Key is the RFC 3261 §17.1.3 client transaction key: top-Via branch,
// the Via sent-by, and the request method. ACK shares its INVITE's
// transaction; CANCEL is its own non-INVITE transaction.
type Key struct {
	Branch string
	SentBy string
	Method string
}

func (k Key) String() string {
	return k.Branch + "|" + k.SentBy + "|" + k.Method
}

// keyMethod folds ACK into INVITE for matching purposes.
func keyMethod(method string) string {
	if method == "ACK" {
		return "INVITE"
	}
	return method
}

// KeyForRequest derives the transaction key from an outbound request's
// top Via.
func KeyForRequest(req *types.Request) (Key, error) {
	via, err := req.TopVia()
	if err != nil {
		return Key{}, err
	}
	branch := via.Branch()
	if !strings.HasPrefix(branch, ids.BranchMagic) {
		return Key{}, fmt.Errorf("transaction: branch %q missing %s cookie", branch, ids.BranchMagic)
	}
	return Key{Branch: branch, SentBy: sentBy(via), Method: keyMethod(req.Method)}, nil
}

// KeyForResponse derives the matching key from an inbound response: the
// top Via is our own, echoed back by the server; the method comes from
// CSeq.
func KeyForResponse(resp *types.Response) (Key, error) {
	via, err := resp.TopVia()
	if err != nil {
		return Key{}, err
	}
	branch := via.Branch()
	if branch == "" {
		return Key{}, fmt.Errorf("transaction: response Via has no branch")
	}
	cseq, err := resp.CSeqValue()
	if err != nil {
		return Key{}, err
	}
	return Key{Branch: branch, SentBy: sentBy(via), Method: keyMethod(cseq.Method)}, nil
}

func sentBy(via *types.ViaHop) string {
	if via.Port > 0 {
		return via.Host + ":" + strconv.Itoa(via.Port)
	}
	return via.Host
}
