// Package netorigin decides whether a network peer may use the JSON API and
// whether it counts as local.
package netorigin

import (
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"

	"github.com/vyrodovalexey/loggate/internal/config"
	"github.com/vyrodovalexey/loggate/internal/logging"
)

// Origin is an access policy driven by the network settings section. It is
// safe for concurrent use; reconfiguration swaps the whole state atomically.
type Origin struct {
	log   *logging.Logger
	state atomic.Pointer[state]
}

type state struct {
	internetAccess  bool
	allowedNetworks []netip.Prefix
	localNetworks   []netip.Prefix
	rule            *rule
}

// Option is a functional option for Origin.
type Option func(*Origin)

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(o *Origin) {
		o.log = log
	}
}

// New creates an Origin from cfg.
func New(cfg config.NetworkConfig, opts ...Option) (*Origin, error) {
	o := &Origin{log: logging.Get("NETWORK")}
	for _, opt := range opts {
		opt(o)
	}

	s, err := buildState(cfg)
	if err != nil {
		return nil, err
	}
	o.state.Store(s)
	return o, nil
}

func buildState(cfg config.NetworkConfig) (*state, error) {
	s := &state{internetAccess: cfg.InternetAccess}

	var err error
	if s.allowedNetworks, err = parsePrefixes(cfg.AllowedNetworks); err != nil {
		return nil, fmt.Errorf("allowed networks: %w", err)
	}
	if s.localNetworks, err = parsePrefixes(cfg.LocalNetworks); err != nil {
		return nil, fmt.Errorf("local networks: %w", err)
	}
	if cfg.Rule != "" {
		if s.rule, err = compileRule(cfg.Rule); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func parsePrefixes(cidrs []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, cidr := range cidrs {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, p.Masked())
	}
	return prefixes, nil
}

// HandleSettingsUpdate applies the network section. An invalid section is
// logged and the previous state stays in effect.
func (o *Origin) HandleSettingsUpdate(section config.Section, cfg *config.Config) {
	if section != config.SectionNetwork || cfg == nil {
		return
	}

	s, err := buildState(cfg.Network)
	if err != nil {
		o.log.Errorf("Ignoring network settings: %v", err)
		return
	}
	o.state.Store(s)
	o.log.Infof("Network access settings updated (internet access: %t)", s.internetAccess)
}

// AccessAllowed reports whether peer may connect through local.
func (o *Origin) AccessAllowed(peer, local net.Addr) bool {
	s := o.state.Load()

	peerIP, ok := addrIP(peer)
	if !ok {
		o.log.Debugf("Rejecting connection from unparsable address %v", peer)
		return false
	}
	localIP, _ := addrIP(local)
	isLocal := s.isLocal(peerIP, localIP)

	if !isLocal {
		if !s.internetAccess {
			o.log.Debugf("Rejecting connection from %s: internet access is disabled", peerIP)
			return false
		}
		if len(s.allowedNetworks) > 0 && !containsAddr(s.allowedNetworks, peerIP) {
			o.log.Debugf("Rejecting connection from %s: not in allowed networks", peerIP)
			return false
		}
	}

	if s.rule != nil {
		allowed, err := s.rule.eval(peerIP, localIP, isLocal)
		if err != nil {
			o.log.Warningf("Access rule failed for %s: %v", peerIP, err)
			return false
		}
		if !allowed {
			o.log.Debugf("Rejecting connection from %s: access rule", peerIP)
			return false
		}
	}

	return true
}

// IsLocalAddress reports whether peer is on a local network relative to local.
func (o *Origin) IsLocalAddress(peer, local net.Addr) bool {
	peerIP, ok := addrIP(peer)
	if !ok {
		return false
	}
	localIP, _ := addrIP(local)
	return o.state.Load().isLocal(peerIP, localIP)
}

// Prefix lengths of the subnet around the local address whose peers count
// as local.
const (
	localSubnetBitsV4 = 24
	localSubnetBitsV6 = 64
)

// isLocal reports whether peer is loopback, link-local, in the subnet of the
// address it connected to, or in one of the configured local networks.
// Private ranges elsewhere are not local.
func (s *state) isLocal(peer, local netip.Addr) bool {
	if peer.IsLoopback() || peer.IsLinkLocalUnicast() {
		return true
	}
	if sameSubnet(peer, local) {
		return true
	}
	return containsAddr(s.localNetworks, peer)
}

func sameSubnet(peer, local netip.Addr) bool {
	if !local.IsValid() || peer.Is4() != local.Is4() {
		return false
	}
	bits := localSubnetBitsV6
	if local.Is4() {
		bits = localSubnetBitsV4
	}
	subnet, err := local.WithZone("").Prefix(bits)
	return err == nil && subnet.Contains(peer.WithZone(""))
}

func containsAddr(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// addrIP extracts the IP of a TCP or generic address, unmapping IPv4-in-IPv6.
func addrIP(addr net.Addr) (netip.Addr, bool) {
	if addr == nil {
		return netip.Addr{}, false
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		ip, ok := netip.AddrFromSlice(tcp.IP)
		return ip.Unmap(), ok
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		ip, err := netip.ParseAddr(addr.String())
		return ip.Unmap(), err == nil
	}
	return ap.Addr().Unmap(), true
}
