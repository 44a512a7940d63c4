package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Bind modes accepted by GatewayConfig.Bind.
const (
	BindAll     = "all"
	BindLocal   = "local"
	BindTailnet = "tailnet"
)

const defaultListenHost = "127.0.0.1"

// overlayPrefixes are the ranges a tailnet bind looks for: the Tailscale
// CGNAT block first, then private 10/8 overlays such as WireGuard meshes.
var overlayPrefixes = []netip.Prefix{
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("10.0.0.0/8"),
}

var errNoTailnetAddr = errors.New("no tailnet IPv4 address found")

// interfaceAddrs lists the addresses of every interface that is up.
var interfaceAddrs = func() ([]net.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []net.Addr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		out = append(out, addrs...)
	}
	return out, nil
}

// ResolvedHost returns the host the websocket listener binds to. A Bind
// mode takes precedence over Host; with neither set the gateway stays on
// loopback.
func (g GatewayConfig) ResolvedHost() (string, error) {
	switch g.Bind {
	case "":
		if g.Host == "" {
			return defaultListenHost, nil
		}
		return g.Host, nil
	case BindAll:
		return "0.0.0.0", nil
	case BindLocal:
		return defaultListenHost, nil
	case BindTailnet:
		addrs, err := interfaceAddrs()
		if err != nil {
			return "", fmt.Errorf("listing interfaces: %w", err)
		}
		addr, ok := pickOverlayIPv4(addrs)
		if !ok {
			return "", errNoTailnetAddr
		}
		return addr.String(), nil
	default:
		return "", fmt.Errorf("unknown gateway bind mode: %s", g.Bind)
	}
}

// ResolvedAddr is ResolvedHost joined with Port, bracketing IPv6 hosts.
func (g GatewayConfig) ResolvedAddr() (string, error) {
	host, err := g.ResolvedHost()
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(g.Port)), nil
}

// pickOverlayIPv4 returns the first non-loopback IPv4 address inside an
// overlay prefix, preferring earlier prefixes.
func pickOverlayIPv4(addrs []net.Addr) (netip.Addr, bool) {
	var candidates []netip.Addr
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if addr.Is4() && !addr.IsLoopback() {
			candidates = append(candidates, addr)
		}
	}
	for _, p := range overlayPrefixes {
		for _, addr := range candidates {
			if p.Contains(addr) {
				return addr, true
			}
		}
	}
	return netip.Addr{}, false
}

// TLSEnabled reports whether the listener serves wss. Load rejects a
// config that sets only one of the pair.
func (g GatewayConfig) TLSEnabled() bool {
	return g.TLSCert != "" && g.TLSKey != ""
}
