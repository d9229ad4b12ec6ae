package mapset_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edgeshield/corefilter/pkg/mapset"
)

func TestLongestPrefixWins(t *testing.T) {
	l := mapset.NewList()
	l.Add(mapset.Entry{Prefix: netip.MustParsePrefix("192.0.2.0/24"), Reason: mapset.ReasonManual})
	l.Add(mapset.Entry{Prefix: netip.MustParsePrefix("192.0.2.7/32"), Reason: mapset.ReasonAmplification})

	e, ok := l.Contains(netip.MustParseAddr("192.0.2.7"), time.Now())
	require.True(t, ok)
	require.Equal(t, mapset.ReasonAmplification, e.Reason)
	require.Equal(t, 32, e.Prefix.Bits())
}

func TestExpiryHonored(t *testing.T) {
	l := mapset.NewList()
	l.Add(mapset.Entry{
		Prefix: netip.MustParsePrefix("198.51.100.3/32"),
		Expiry: time.Now().Add(-time.Second),
	})
	_, ok := l.Contains(netip.MustParseAddr("198.51.100.3"), time.Now())
	require.False(t, ok)
}

func TestPermanentEntryNeverExpires(t *testing.T) {
	l := mapset.NewList()
	l.Add(mapset.Entry{Prefix: netip.MustParsePrefix("203.0.113.0/24")})
	_, ok := l.Contains(netip.MustParseAddr("203.0.113.9"), time.Now().Add(100*365*24*time.Hour))
	require.True(t, ok)
}

func TestContainsFastMatchesContains(t *testing.T) {
	l := mapset.NewList()
	l.Add(mapset.Entry{Prefix: netip.MustParsePrefix("10.0.0.0/8")})
	require.True(t, l.ContainsFast(netip.MustParseAddr("10.1.2.3")))
	require.False(t, l.ContainsFast(netip.MustParseAddr("11.1.2.3")))
}

func TestSecretsRotation(t *testing.T) {
	var s mapset.Secrets
	var a, b [32]byte
	a[0] = 1
	b[0] = 2
	s.Rotate(a)
	cur, prev := s.Read()
	require.Equal(t, a, cur)
	require.Equal(t, [32]byte{}, prev)

	s.Rotate(b)
	cur, prev = s.Read()
	require.Equal(t, b, cur)
	require.Equal(t, a, prev)
}
