package cache

import (
	"net/netip"
	"testing"
)

func mustPrefix(t *testing.T, cidr string) netip.Prefix {
	t.Helper()
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		t.Fatalf("parse %s: %v", cidr, err)
	}
	return prefix
}
