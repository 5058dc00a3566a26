package collector

import (
	"context"
	"fmt"
	"net/netip"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// ConnectionLister returns the kernel connection table for kind ("tcp").
type ConnectionLister func(ctx context.Context, kind string) ([]psnet.ConnectionStat, error)

func listConnections(ctx context.Context, kind string) ([]psnet.ConnectionStat, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to get connections: %w", err)
	}
	return conns, nil
}

// hasEstablished reports whether any established connection has addr on
// either end. IPv4-mapped IPv6 endpoints match their IPv4 form.
func hasEstablished(conns []psnet.ConnectionStat, addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, conn := range conns {
		if conn.Status != "ESTABLISHED" {
			continue
		}
		for _, ip := range []string{conn.Laddr.IP, conn.Raddr.IP} {
			a, err := netip.ParseAddr(ip)
			if err == nil && a.Unmap() == addr {
				return true
			}
		}
	}
	return false
}
