package cache

import (
	"fmt"
	"net/netip"
	"strconv"
)

// BucketSize is the number of IPv4 addresses covered by one range bucket.
const BucketSize = 256

// BucketForIP returns the range bucket id of an IPv4 literal.
func BucketForIP(ip string) (uint32, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	return bucketForAddr(addr), nil
}

func bucketForAddr(addr netip.Addr) uint32 {
	return ipToUint32(addr) / BucketSize
}

func ipToUint32(addr netip.Addr) uint32 {
	b := addr.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// rangeBounds returns the first and last address of an IPv4 prefix as integers.
func rangeBounds(prefix netip.Prefix) (uint32, uint32) {
	prefix = prefix.Masked()
	start := ipToUint32(prefix.Addr())
	hostBits := 32 - prefix.Bits()
	if hostBits >= 32 {
		return 0, ^uint32(0)
	}
	return start, start + (uint32(1) << hostBits) - 1
}

// bucketSpan returns the inclusive bucket id interval a prefix overlaps.
func bucketSpan(prefix netip.Prefix) (uint32, uint32) {
	first, last := rangeBounds(prefix)
	return first / BucketSize, last / BucketSize
}

func bucketValue(bucket uint32) string {
	return strconv.FormatUint(uint64(bucket), 10)
}
