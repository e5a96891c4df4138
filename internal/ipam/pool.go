// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ipam manages overlay address leases inside one fixed IPv4
// subnet. The pool scan is pure; transactionality belongs to the
// registry, which consults the pool while holding its write
// transaction.
package ipam

import (
	"encoding/binary"
	"net"

	"grimm.is/flymesh/internal/errors"
)

// Pool is a parsed overlay subnet. The network address, the gateway
// (first host, held by the hub) and the broadcast address are never
// allocated.
type Pool struct {
	cidr    string
	ipnet   *net.IPNet
	network uint32
	bcast   uint32
}

// NewPool parses cidr into a Pool. The subnet must be IPv4 and leave
// at least one allocatable host.
func NewPool(cidr string) (*Pool, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, "invalid overlay CIDR %q", cidr)
	}
	if ip.To4() == nil {
		return nil, errors.Errorf(errors.KindValidation, "overlay CIDR %q must be IPv4", cidr)
	}

	network := ipToUint(ipnet.IP)
	ones, bits := ipnet.Mask.Size()
	bcast := network | (1<<uint(bits-ones) - 1)
	if bcast-network < 3 {
		return nil, errors.Errorf(errors.KindValidation, "overlay CIDR %q leaves no allocatable hosts", cidr)
	}

	return &Pool{
		cidr:    ipnet.String(),
		ipnet:   ipnet,
		network: network,
		bcast:   bcast,
	}, nil
}

// CIDR returns the normalized subnet string.
func (p *Pool) CIDR() string { return p.cidr }

// Gateway returns the hub's reserved address (first host).
func (p *Pool) Gateway() string { return uintToIP(p.network + 1).String() }

// Contains reports whether ip falls inside the subnet.
func (p *Pool) Contains(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && p.ipnet.Contains(parsed)
}

// Reserved reports whether ip is one of the never-allocated addresses.
func (p *Pool) Reserved(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return false
	}
	v := ipToUint(parsed)
	return v == p.network || v == p.network+1 || v == p.bcast
}

// Capacity returns how many addresses are allocatable.
func (p *Pool) Capacity() int {
	return int(p.bcast - p.network - 2)
}

// FirstFree scans ascending from the first allocatable address and
// returns the lowest one absent from used. Returns KindPoolExhausted
// when every address is taken.
func (p *Pool) FirstFree(used map[string]bool) (string, error) {
	for v := p.network + 2; v < p.bcast; v++ {
		ip := uintToIP(v).String()
		if !used[ip] {
			return ip, nil
		}
	}
	return "", errors.Errorf(errors.KindPoolExhausted, "no free addresses in %s", p.cidr)
}

func ipToUint(ip net.IP) uint32 {
	return binary.BigEndian.Uint32(ip.To4())
}

func uintToIP(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}
