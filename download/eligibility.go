package download

import (
	"errors"
	"fmt"

	"github.com/meigma/mediacache/internal/mediatype"
)

// ErrNetworkIneligible is returned when policy blocks a fetch on the current
// network. It is not a fetch failure and is never retried automatically; it
// clears on a network-state change.
var ErrNetworkIneligible = errors.New("download blocked by network policy")

// EligibilityPolicy gates which fetches may proceed given the current
// connection. It is re-checked before every dispatch, because the network
// can change while tasks sit in queue.
type EligibilityPolicy struct {
	// PreferredNetworkOnly blocks large content kinds (video) on anything
	// other than wifi.
	PreferredNetworkOnly bool

	// MinClass is the minimum connection class for any fetch. The zero value
	// blocks only offline.
	MinClass mediatype.ConnClass
}

func (p EligibilityPolicy) floor() mediatype.ConnClass {
	if p.MinClass <= mediatype.ConnOffline {
		return mediatype.ConnCellular
	}
	return p.MinClass
}

// Check returns nil when a fetch for kind may proceed on network n, or an
// error wrapping ErrNetworkIneligible describing the block.
func (p EligibilityPolicy) Check(n mediatype.NetworkSnapshot, kind mediatype.Kind) error {
	if n.Class < p.floor() {
		return fmt.Errorf("%w: connection class %s below floor %s",
			ErrNetworkIneligible, n.Class, p.floor())
	}
	if p.PreferredNetworkOnly && kind == mediatype.KindVideo && n.Class != mediatype.ConnWifi {
		return fmt.Errorf("%w: %s content requires wifi", ErrNetworkIneligible, kind)
	}
	return nil
}
