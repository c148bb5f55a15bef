package client

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"
)

// ErrDeniedAddress is wrapped in a transport NetworkError when an upstream
// host resolves into upstream.deny_networks.
var ErrDeniedAddress = errors.New("upstream address is in a denied network")

// addressGuard vets every dialed address after DNS resolution, so redirects
// and rebinding hosts are caught too.
type addressGuard []netip.Prefix

// newAddressGuard parses cidrs, skipping any that do not parse. Config
// validation has already rejected those.
func newAddressGuard(cidrs []string) addressGuard {
	g := make(addressGuard, 0, len(cidrs))
	for _, c := range cidrs {
		if p, err := netip.ParsePrefix(c); err == nil {
			g = append(g, p.Masked())
		}
	}
	return g
}

// control matches net.Dialer.Control.
func (g addressGuard) control(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return err
	}
	addr = addr.Unmap()
	for _, p := range g {
		if p.Contains(addr) {
			return fmt.Errorf("%w: %s", ErrDeniedAddress, addr)
		}
	}
	return nil
}
