package pipeline

import (
	"context"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv6"
)

// PostResponse4 is invoked once per request, after the v4 chain has run and
// after any reply has been written to the wire. resp is the reply the
// dispatcher sent, or nil when none was (NoResponse, a chain timeout or a
// destination error). Unlike Plugin4, it cannot change the dispatcher's
// Continue/Respond/NoResponse decision; it only observes the outcome.
type PostResponse4 interface {
	Name() string
	Update4(ctx context.Context, mc *MsgContext4, resp *dhcpv4.DHCPv4) error
}

// PostResponse6 is the DHCPv6 analogue of PostResponse4.
type PostResponse6 interface {
	Name() string
	Update6(ctx context.Context, mc *MsgContext6, resp dhcpv6.DHCPv6) error
}
