// Package synccookie implements the stateless TCP SYN-cookie mint/verify
// primitive of §3: a 32-bit cookie packs a 5-bit time window, a 2-bit MSS
// class index, and a 25-bit truncated MAC, so the server can answer a SYN
// with a SYN-ACK and remember nothing until the ACK proves the client saw
// it.
package synccookie

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"net/netip"
)

// WindowSeconds is the width of one SYN-cookie time window (§3: "current
// 60-second window").
const WindowSeconds = 60

// MaxWindowAge is how many windows old an ACK's cookie may be before it is
// rejected (§3: "cookies older than 2 windows fail").
const MaxWindowAge = 2

// MSSTable is the fixed 4-entry MSS table the cookie's 2-bit class index
// selects into. Values follow the original implementation's choice of
// common path-MTU-derived MSS values (plain Ethernet, PPPoE, and the
// IPv6-minimum-MTU-safe value).
var MSSTable = [4]uint16{536, 1200, 1440, 1460}

// MSSClass returns the table index whose MSS is closest to (without
// exceeding) the client-advertised MSS, defaulting to the smallest entry
// when mss is 0 or smaller than every table entry.
func MSSClass(mss uint16) uint8 {
	best := uint8(0)
	for i, v := range MSSTable {
		if mss >= v {
			best = uint8(i)
		}
	}
	return best
}

// Secrets holds the current and previous 32-byte SYN-cookie MAC keys
// (§3, §4.9, §6): the kernel keeps both live across a rotation so a cookie
// minted just before rotation still verifies after.
type Secrets struct {
	Current, Previous [32]byte
}

// Params is the 4-tuple a cookie is bound to.
type Params struct {
	Src, Dst         netip.Addr
	SrcPort, DstPort uint16
}

// timeCounter returns the 5-bit (mod 32) window counter for unixSeconds.
func timeCounter(unixSeconds int64) uint8 {
	return uint8((unixSeconds / WindowSeconds) % 32)
}

func mac(secret [32]byte, p Params, tcounter uint8) uint32 {
	h := hmac.New(sha256.New, secret[:])
	srcB := p.Src.As16()
	dstB := p.Dst.As16()
	h.Write(srcB[:])
	h.Write(dstB[:])
	var portBuf [4]byte
	binary.BigEndian.PutUint16(portBuf[0:2], p.SrcPort)
	binary.BigEndian.PutUint16(portBuf[2:4], p.DstPort)
	h.Write(portBuf[:])
	h.Write([]byte{tcounter})
	sum := h.Sum(nil)
	full := binary.BigEndian.Uint32(sum[0:4])
	return full & 0x1ffffff // low 25 bits
}

// Mint produces a cookie for p, the client's advertised MSS, and the
// current wall-clock time (unix seconds). The cookie layout is, low bit
// first: bits 0-4 time counter, bits 5-6 MSS class, bits 7-31 truncated
// MAC (§3).
func Mint(secret [32]byte, p Params, mss uint16, unixSeconds int64) (cookie uint32, mssClass uint8) {
	tc := timeCounter(unixSeconds)
	mssClass = MSSClass(mss)
	h := mac(secret, p, tc)
	cookie = uint32(tc&0x1f) | (uint32(mssClass&0x3) << 5) | (h << 7)
	return cookie, mssClass
}

// Verify checks whether ackMinusOne (the client ACK's acknowledgement
// number, minus 1) is a cookie this core could have minted for p within
// the current or previous window, trying both secret generations. It
// returns the MSS class embedded in the cookie on success.
func Verify(secrets Secrets, p Params, ackMinusOne uint32, unixSeconds int64) (mssClass uint8, ok bool) {
	gotTC := uint8(ackMinusOne & 0x1f)
	gotClass := uint8((ackMinusOne >> 5) & 0x3)
	gotHash := (ackMinusOne >> 7) & 0x1ffffff

	curTC := timeCounter(unixSeconds)
	for age := 0; age < MaxWindowAge; age++ {
		candTC := uint8((int(curTC) - age + 32) % 32)
		if candTC != gotTC {
			continue
		}
		for _, secret := range []([32]byte){secrets.Current, secrets.Previous} {
			if mac(secret, p, candTC) == gotHash {
				return gotClass, true
			}
		}
	}
	return 0, false
}
