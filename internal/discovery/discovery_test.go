package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryFrom(t *testing.T) {
	se := zeroconf.NewServiceEntry("GroupShare", "_groupshare._tcp", Domain)
	se.Port = 4321
	se.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	se.Text = []string{"version=1.0.0", "fp=abcdef", "garbage"}

	e, ok := entryFrom(se)
	require.True(t, ok)
	assert.Equal(t, "GroupShare", e.Instance)
	assert.Equal(t, "192.168.1.20:4321", e.Addr)
	assert.Equal(t, "1.0.0", e.Version)
	assert.Equal(t, "abcdef", e.Fingerprint)
}

func TestEntryFromIPv6Only(t *testing.T) {
	se := zeroconf.NewServiceEntry("GroupShare", "_groupshare._tcp", Domain)
	se.Port = 4321
	se.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}

	e, ok := entryFrom(se)
	require.True(t, ok)
	assert.Equal(t, "[fe80::1]:4321", e.Addr)
}

func TestEntryFromWithoutAddress(t *testing.T) {
	se := zeroconf.NewServiceEntry("GroupShare", "_groupshare._tcp", Domain)
	_, ok := entryFrom(se)
	assert.False(t, ok)

	_, ok = entryFrom(nil)
	assert.False(t, ok)
}

func TestSortedOrdersByInstanceThenAddr(t *testing.T) {
	got := sorted(map[string]Entry{
		"b":  {Instance: "B", Addr: "10.0.0.1:1"},
		"a2": {Instance: "A", Addr: "10.0.0.2:1"},
		"a1": {Instance: "A", Addr: "10.0.0.1:1"},
	})
	require.Len(t, got, 3)
	assert.Equal(t, "10.0.0.1:1", got[0].Addr)
	assert.Equal(t, "10.0.0.2:1", got[1].Addr)
	assert.Equal(t, "B", got[2].Instance)
}
