// Command shieldsim exercises corefilter's map contract end to end against
// synthetic traffic: it loads a userspace config document, builds the
// dispatch.Core filter graph, serves its prometheus counters, rotates the
// SYN-cookie secret on a timer, and runs the userspace offline-fallback
// synthesizer against a disconnected backend.
//
// This is a demonstration harness, not the kernel-side packet loader: the
// real XDP/TC attach point and its CLI are out of scope here (§1), the same
// way the teacher's own cmd/ entrypoints only exercise their library
// against a local TCP connection rather than a live interface.
package main

import (
	"crypto/rand"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"

	"github.com/edgeshield/corefilter/pkg/config"
	"github.com/edgeshield/corefilter/pkg/dispatch"
	"github.com/edgeshield/corefilter/pkg/fallback"
	"github.com/edgeshield/corefilter/pkg/xlog"
)

func main() {
	cfg := config.Default()
	if len(os.Args) > 1 {
		loaded, err := config.Load(os.Args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "shieldsim: %v, using defaults\n", err)
		} else {
			cfg = loaded
		}
	}

	logf := xlog.Default()

	core := dispatch.New(dispatch.Options{
		Logf:         logf,
		Config:       cfg,
		QUICVersions: []uint32{1},
		RakNetMinMTU: uint16(cfg.MinRakNetMTU),
		RakNetMaxMTU: uint16(cfg.MaxRakNetMTU),
	})

	rotateSecret(core)
	go rotateSecretLoop(core)

	prometheus.MustRegister(core.Counters())

	demoFallback(cfg)

	http.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: ":18080"}
	logf("shieldsim: serving counters on %s/metrics (session %s)", server.Addr, xid.New())
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		panic(err)
	}
}

// rotateSecret installs a fresh random SYN-cookie secret.
func rotateSecret(core *dispatch.Core) {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		panic(err)
	}
	core.SetSynCookieSecret(secret)
}

// rotateSecretLoop mirrors the rotation cadence §4.9 assumes for the
// SYN-cookie secret: rotate, then let one window elapse before the
// previous secret is evicted by the next rotation.
func rotateSecretLoop(core *dispatch.Core) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rotateSecret(core)
	}
}

// demoFallback prints the bytes the offline synthesizer would send a
// client for each protocol this core understands, proving out §4.10's
// wiring without a live backend to disconnect from.
func demoFallback(cfg config.Config) {
	fbCfg := fallback.DefaultConfig()
	fbCfg.ProtocolVersion = int32(cfg.MCProtocolVersionMax)

	status := fallback.BuildStatusResponse(fbCfg)
	disconnect := fallback.BuildDisconnectPacket(fbCfg.DisconnectMessage, true)
	guid := fallback.NewServerGUID()
	pong := fallback.BuildUnconnectedPong(time.Now().UnixMilli(), guid, fbCfg.MOTD, fbCfg.MaxPlayers, fbCfg.OnlinePlayers, "shieldsim", uint32(fbCfg.ProtocolVersion))

	fmt.Printf("fallback: mc status response is %d bytes\n", len(status))
	fmt.Printf("fallback: mc login disconnect is %d bytes\n", len(disconnect))
	fmt.Printf("fallback: bedrock unconnected pong (guid=%d) is %d bytes\n", guid, len(pong))
}

