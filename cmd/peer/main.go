// Command peer is a headless call participant: it captures local media,
// joins a room on the signaling server and keeps the call up until stopped.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/adapters/media"
	"github.com/dkeye/peercall/internal/adapters/rtc"
	sig "github.com/dkeye/peercall/internal/adapters/signal"
	"github.com/dkeye/peercall/internal/app/call"
	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

const userAgent = "peercall-peer/1"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())
	pc := cfg.Peer
	if pc.Room == "" {
		log.Fatal().Msg("peer.room is required")
	}

	selector, err := codecSelector()
	if err != nil {
		log.Fatal().Err(err).Msg("codec setup")
	}
	if selector == nil {
		log.Warn().Msg("no capture codecs on this platform, media capture will fail")
	}
	devices := media.NewDevices(selector)
	devices.LogDevices()

	rtcCfg, err := rtc.FetchRTCConfig(ctx, pc.RTCConfigURL)
	if err != nil {
		log.Warn().Err(err).Msg("rtc config unavailable, using default STUN")
		rtcCfg = rtc.DefaultWebRTCConfig()
	}
	links, err := rtc.NewFactory(rtcCfg,
		rtc.WithMediaEngine(devices.PopulateMediaEngine),
		rtc.WithICETimeouts(pc.ICEDisconnectedTimeout, pc.ICEFailedTimeout, pc.ICEKeepAlive),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc setup")
	}

	self, err := participant(pc)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid participant")
	}

	transport := sig.NewDialer(pc.SignalURL,
		sig.WithPingPeriod(pc.PingPeriod),
		sig.WithHeader(http.Header{"User-Agent": {userAgent}}),
	)
	ctl := call.NewController(self, call.NewMediaAcquirer(devices, call.WithFacing(domain.FacingMode(pc.Facing))), links, transport,
		call.WithObserver(observe),
		call.WithConnectTimeout(pc.ConnectTimeout),
		call.WithMedia(pc.Video, pc.Audio),
	)
	defer ctl.Close()

	if err := ctl.Join(ctx, domain.RoomID(pc.Room)); err != nil {
		log.Fatal().Err(err).Str("room", pc.Room).Msg("join failed")
	}
	go watchControls(ctx, ctl)

	<-ctx.Done()
	log.Info().Msg("Leaving call")
	ctl.Leave()
}

func participant(pc config.PeerConfig) (domain.Participant, error) {
	if pc.ParticipantID == "" {
		p, err := domain.NewParticipant(pc.DisplayName)
		if err != nil {
			return domain.Participant{}, err
		}
		return *p, nil
	}
	p := domain.Participant{ID: domain.ParticipantID(pc.ParticipantID), DisplayName: pc.DisplayName}
	return p, p.Validate()
}

var remoteReaders rtc.Drainer

// observe runs on the controller loop and must not block.
func observe(ev core.SessionEvent) {
	switch ev.Type {
	case core.EventStateChange:
		log.Info().Str("room", string(ev.Room)).Str("state", string(ev.State)).Str("tier", string(ev.Tier)).Str("quality", string(ev.Quality)).Msg("call state")
	case core.EventLocalStream:
		if ev.Local != nil {
			log.Info().Str("stream", ev.Local.ID()).Int("tracks", len(ev.Local.Tracks())).Msg("local media ready")
		}
	case core.EventRemoteStream:
		if ev.Remote == nil {
			log.Info().Msg("remote media gone")
			return
		}
		remoteReaders.Drain(ev.Remote)
	case core.EventError:
		log.Warn().Err(ev.Err).Str("kind", string(domain.KindOf(ev.Err))).Str("state", string(ev.State)).Msg("call error")
	}
}
