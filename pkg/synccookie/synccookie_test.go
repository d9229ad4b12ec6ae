package synccookie_test

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edgeshield/corefilter/pkg/synccookie"
)

func params() synccookie.Params {
	return synccookie.Params{
		Src:     netip.MustParseAddr("192.0.2.7"),
		Dst:     netip.MustParseAddr("192.0.2.1"),
		SrcPort: 54321,
		DstPort: 25565,
	}
}

func secrets() synccookie.Secrets {
	var s synccookie.Secrets
	for i := range s.Current {
		s.Current[i] = byte(i)
	}
	for i := range s.Previous {
		s.Previous[i] = byte(255 - i)
	}
	return s
}

func TestMintVerifySameWindow(t *testing.T) {
	sec := secrets()
	p := params()
	now := int64(1_700_000_000)
	cookie, mssClass := synccookie.Mint(sec.Current, p, 1460, now)
	require.Equal(t, uint8(3), mssClass)

	gotClass, ok := synccookie.Verify(sec, p, cookie, now)
	require.True(t, ok)
	require.Equal(t, mssClass, gotClass)
}

func TestVerifyPreviousWindowStillValid(t *testing.T) {
	sec := secrets()
	p := params()
	now := int64(1_700_000_000)
	cookie, _ := synccookie.Mint(sec.Current, p, 1460, now)

	oneWindowLater := now + synccookie.WindowSeconds
	_, ok := synccookie.Verify(sec, p, cookie, oneWindowLater)
	require.True(t, ok)
}

func TestVerifyTooOldFails(t *testing.T) {
	sec := secrets()
	p := params()
	now := int64(1_700_000_000)
	cookie, _ := synccookie.Mint(sec.Current, p, 1460, now)

	twoWindowsLater := now + 2*synccookie.WindowSeconds
	_, ok := synccookie.Verify(sec, p, cookie, twoWindowsLater)
	require.False(t, ok)
}

func TestVerifyWrongSecretFails(t *testing.T) {
	sec := secrets()
	p := params()
	now := int64(1_700_000_000)
	cookie, _ := synccookie.Mint(sec.Current, p, 1460, now)

	var other synccookie.Secrets
	other.Current[0] = 1
	_, ok := synccookie.Verify(other, p, cookie, now)
	require.False(t, ok)
}

func TestMSSClassSelection(t *testing.T) {
	require.Equal(t, uint8(0), synccookie.MSSClass(0))
	require.Equal(t, uint8(0), synccookie.MSSClass(536))
	require.Equal(t, uint8(1), synccookie.MSSClass(1200))
	require.Equal(t, uint8(3), synccookie.MSSClass(9000))
}
