// Package http1filter implements the HTTP/1.1 ingress filter of §4.6:
// request-line method validation, a configurable header-size ceiling, a
// CL/TE request-smuggling check, and a slowloris idle timer on incomplete
// headers.
package http1filter

import (
	"bytes"
	"net/netip"
	"time"

	"github.com/edgeshield/corefilter/pkg/connstate"
	"github.com/edgeshield/corefilter/pkg/verdict"
)

// slowlorisIdleTimeout is how long a connection may sit with an incomplete
// header block before it's dropped (§4.6).
const slowlorisIdleTimeout = 10 * time.Second

// allowedMethods are the request-line methods §4.6 permits.
var allowedMethods = [][]byte{
	[]byte("GET "), []byte("POST "), []byte("PUT "), []byte("DELETE "),
	[]byte("HEAD "), []byte("OPTIONS "), []byte("PATCH "), []byte("CONNECT "),
	[]byte("TRACE "),
}

var headerTerminator = []byte("\r\n\r\n")

// Filter is the HTTP/1.1 ingress filter.
type Filter struct {
	maxHeaderBytes int
	maxLineBytes   int
	progress       *connstate.Store[connstate.ConnKey, time.Time]
	now            func() time.Time
}

// New creates a Filter enforcing two separate ceilings (§4.6): the whole
// header block may not exceed maxHeaderBytes, and no single header line
// within it may exceed maxLineBytes.
func New(maxHeaderBytes, maxLineBytes int) *Filter {
	return &Filter{
		maxHeaderBytes: maxHeaderBytes,
		maxLineBytes:   maxLineBytes,
		progress:       connstate.NewStore[connstate.ConnKey, time.Time](),
		now:            time.Now,
	}
}

// Inspect validates one buffered-so-far view of a request's header block.
// buf holds everything received for this connection since the last
// complete request; complete reports whether buf contains the header
// terminator (so the caller's segment accumulator decides, not this
// filter — this function assumes the caller already checked).
func (f *Filter) Inspect(key connstate.ConnKey, _ netip.Addr, buf []byte, complete bool) verdict.Result {
	now := f.now()

	if !complete {
		started, ok := f.progress.Get(key)
		if !ok {
			started = now
		}
		// Each partial segment extends the entry's lifetime while keeping
		// the original start time, so elapsed time can pass the timeout.
		f.progress.Put(key, started, now.Add(slowlorisIdleTimeout))
		if now.Sub(started) > slowlorisIdleTimeout {
			return verdict.DropFor(verdict.ReasonBoundsViolation)
		}
		if len(buf) > f.maxHeaderBytes || f.lineTooLong(buf) {
			return verdict.DropFor(verdict.ReasonOversizedHeader)
		}
		return verdict.PassOK()
	}
	f.progress.Evict(key)

	if len(buf) > f.maxHeaderBytes || f.lineTooLong(buf) {
		return verdict.DropFor(verdict.ReasonOversizedHeader)
	}

	if !methodAllowed(buf) {
		return verdict.DropFor(verdict.ReasonStateMachineViolation)
	}

	if smuggled(buf) {
		return verdict.DropFor(verdict.ReasonStateMachineViolation)
	}

	return verdict.PassOK()
}

// lineTooLong reports whether any \r\n-delimited line in buf exceeds the
// per-line ceiling (§4.6: "single header line <= 8 KiB"), independent of
// the total-header-block ceiling.
func (f *Filter) lineTooLong(buf []byte) bool {
	for _, line := range bytes.Split(buf, []byte("\r\n")) {
		if len(line) > f.maxLineBytes {
			return true
		}
	}
	return false
}

func methodAllowed(buf []byte) bool {
	for _, m := range allowedMethods {
		if bytes.HasPrefix(buf, m) {
			return true
		}
	}
	return false
}

// smuggled detects the CL.TE/TE.CL family and duplicate Content-Length
// headers (§4.6, §8: request-smuggling property).
func smuggled(buf []byte) bool {
	end := bytes.Index(buf, headerTerminator)
	if end < 0 {
		end = len(buf)
	}
	headerBlock := buf[:end]

	clCount := countHeader(headerBlock, []byte("Content-Length:"))
	teCount := countHeader(headerBlock, []byte("Transfer-Encoding:"))

	if clCount > 1 {
		return true
	}
	if clCount >= 1 && teCount >= 1 {
		return true
	}
	return false
}

func countHeader(headerBlock, name []byte) int {
	count := 0
	lines := bytes.Split(headerBlock, []byte("\r\n"))
	for _, line := range lines {
		if bytes.HasPrefix(caseFoldASCII(line), caseFoldASCII(name)) {
			count++
		}
	}
	return count
}

// caseFoldASCII lowercases ASCII letters only — header names are ASCII,
// and a byte-for-byte fold avoids pulling in unicode-aware casing for a
// field that's never non-ASCII on the wire.
func caseFoldASCII(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return out
}
