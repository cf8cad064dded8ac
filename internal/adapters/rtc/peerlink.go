package rtc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrWrongSignalingState = errors.New("wrong signaling state")
	ErrNoRemoteDescription = errors.New("no remote description")
	ErrLinkClosed          = errors.New("peer link closed")
)

const defaultPLIInterval = 3 * time.Second

type factoryOptions struct {
	setupMedia   func(*webrtc.MediaEngine) error
	disconnected time.Duration
	failed       time.Duration
	keepAlive    time.Duration
	pliInterval  time.Duration
}

type FactoryOption func(*factoryOptions)

// WithMediaEngine registers codecs on the engine, typically from the capture
// layer's codec selector. Without it pion's default codecs are used.
func WithMediaEngine(setup func(*webrtc.MediaEngine) error) FactoryOption {
	return func(o *factoryOptions) { o.setupMedia = setup }
}

func WithICETimeouts(disconnected, failed, keepAlive time.Duration) FactoryOption {
	return func(o *factoryOptions) {
		o.disconnected = disconnected
		o.failed = failed
		o.keepAlive = keepAlive
	}
}

// WithPLIInterval sets how often a keyframe is requested on remote video.
func WithPLIInterval(d time.Duration) FactoryOption {
	return func(o *factoryOptions) { o.pliInterval = d }
}

// Factory builds pion-backed PeerLinks sharing one API instance.
type Factory struct {
	api         *webrtc.API
	config      webrtc.Configuration
	pliInterval time.Duration
}

func NewFactory(cfg webrtc.Configuration, opts ...FactoryOption) (*Factory, error) {
	o := factoryOptions{
		disconnected: DefaultDisconnectedTimeout,
		failed:       DefaultFailedTimeout,
		keepAlive:    DefaultKeepAliveInterval,
		pliInterval:  defaultPLIInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if o.setupMedia != nil {
		if err := o.setupMedia(mediaEngine); err != nil {
			return nil, fmt.Errorf("media engine: %w", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("media engine: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(o.disconnected, o.failed, o.keepAlive)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	return &Factory{api: api, config: cfg, pliInterval: o.pliInterval}, nil
}

// NewPeerLink creates a connection sending the stream's tracks. A video
// transceiver is always present so the outgoing video can be replaced later
// without renegotiation, even for an audio-only stream.
func (f *Factory) NewPeerLink(stream *core.LocalStream) (core.PeerLink, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		log.Warn().Err(err).Str("module", "webrtc").Msg("peer connection create failed, retrying with STUN only")
		pc, err = f.api.NewPeerConnection(DefaultWebRTCConfig())
		if err != nil {
			return nil, fmt.Errorf("new peer connection: %w", err)
		}
	}

	l := &Link{
		id:          uuid.NewString(),
		pc:          pc,
		events:      make(chan core.LinkEvent, 64),
		done:        make(chan struct{}),
		pliInterval: f.pliInterval,
	}

	if audio := stream.Audio(); audio != nil {
		sender, err := pc.AddTrack(audio)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add audio track: %w", err)
		}
		go drainRTCP(sender)
	} else if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add audio transceiver: %w", err)
	}

	if video := stream.Video(); video != nil {
		sender, err := pc.AddTrack(video)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add video track: %w", err)
		}
		l.videoSender = sender
		l.video = video
	} else {
		tr, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv})
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add video transceiver: %w", err)
		}
		l.videoSender = tr.Sender()
	}
	go drainRTCP(l.videoSender)

	l.start()
	log.Info().Str("module", "webrtc").Str("link", l.id).Int("tracks", len(stream.Tracks())).Msg("peer link created")
	return l, nil
}

// Link is one pion PeerConnection.
type Link struct {
	id          string
	pc          *webrtc.PeerConnection
	events      chan core.LinkEvent
	done        chan struct{}
	closeOnce   sync.Once
	pliInterval time.Duration

	mu          sync.Mutex
	videoSender *webrtc.RTPSender
	video       core.LocalTrack
}

func (l *Link) ID() string { return l.id }

func (l *Link) Events() <-chan core.LinkEvent { return l.events }

func (l *Link) start() {
	l.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("link", l.id).Str("peer_connection_state", s.String()).Msg("Peer state")
		l.emit(core.LinkEvent{Type: core.LinkStateChanged, State: connectionState(s)})
	})

	l.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		ci := cand.ToJSON()
		l.emit(core.LinkEvent{Type: core.LinkICECandidate, Candidate: &ci})
	})

	l.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("link", l.id).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go l.requestKeyframes(track)
		}
		l.emit(core.LinkEvent{Type: core.LinkRemoteTrack, Track: track})
	})
}

func (l *Link) emit(ev core.LinkEvent) {
	ev.LinkID = l.id
	select {
	case l.events <- ev:
	case <-l.done:
	}
}

func (l *Link) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *Link) CreateOffer() (string, error) {
	return l.offer(domain.StageOffer, nil)
}

// RestartICE renegotiates fresh ICE credentials on the same connection.
func (l *Link) RestartICE() (string, error) {
	return l.offer(domain.StageICERestart, &webrtc.OfferOptions{ICERestart: true})
}

func (l *Link) offer(stage domain.NegotiationStage, opts *webrtc.OfferOptions) (string, error) {
	if l.closed() {
		return "", &domain.NegotiationError{Stage: stage, Err: ErrLinkClosed}
	}
	if st := l.pc.SignalingState(); st != webrtc.SignalingStateStable {
		return "", &domain.NegotiationError{Stage: stage, Err: fmt.Errorf("%w: %s", ErrWrongSignalingState, st)}
	}
	offer, err := l.pc.CreateOffer(opts)
	if err != nil {
		return "", &domain.NegotiationError{Stage: stage, Err: err}
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", &domain.NegotiationError{Stage: stage, Err: err}
	}
	return offer.SDP, nil
}

func (l *Link) CreateAnswer(remoteSDP string) (string, error) {
	const stage = domain.StageAnswer
	if l.closed() {
		return "", &domain.NegotiationError{Stage: stage, Err: ErrLinkClosed}
	}
	if st := l.pc.SignalingState(); st != webrtc.SignalingStateStable {
		return "", &domain.NegotiationError{Stage: stage, Err: fmt.Errorf("%w: %s", ErrWrongSignalingState, st)}
	}
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: remoteSDP}); err != nil {
		return "", &domain.NegotiationError{Stage: stage, Err: err}
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", &domain.NegotiationError{Stage: stage, Err: err}
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", &domain.NegotiationError{Stage: stage, Err: err}
	}
	return answer.SDP, nil
}

func (l *Link) SetRemoteAnswer(sdp string) error {
	const stage = domain.StageRemote
	if l.closed() {
		return &domain.NegotiationError{Stage: stage, Err: ErrLinkClosed}
	}
	if st := l.pc.SignalingState(); st != webrtc.SignalingStateHaveLocalOffer {
		return &domain.NegotiationError{Stage: stage, Err: fmt.Errorf("%w: %s", ErrWrongSignalingState, st)}
	}
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return &domain.NegotiationError{Stage: stage, Err: err}
	}
	return nil
}

// AddRemoteICECandidate needs a remote description first. A candidate the
// ICE agent rejects is reported as a plain error.
func (l *Link) AddRemoteICECandidate(c webrtc.ICECandidateInit) error {
	if !l.HasRemoteDescription() {
		return &domain.NegotiationError{Stage: domain.StageCandidate, Err: ErrNoRemoteDescription}
	}
	if err := l.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (l *Link) HasRemoteDescription() bool {
	return l.pc.RemoteDescription() != nil
}

func (l *Link) ReplaceOutgoingVideoTrack(t core.LocalTrack) (core.LocalTrack, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed() {
		return nil, ErrLinkClosed
	}
	var next webrtc.TrackLocal
	if t != nil {
		next = t
	}
	if err := l.videoSender.ReplaceTrack(next); err != nil {
		return nil, fmt.Errorf("replace video track: %w", err)
	}
	prev := l.video
	l.video = t
	return prev, nil
}

func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		if err = l.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "webrtc").Str("link", l.id).Msg("close error")
		} else {
			log.Info().Str("module", "webrtc").Str("link", l.id).Msg("closed")
		}
	})
	return err
}

func (l *Link) requestKeyframes(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(l.pliInterval)
	defer ticker.Stop()
	for {
		if err := l.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		}); err != nil {
			log.Debug().Err(err).Str("module", "webrtc").Str("link", l.id).Msg("pli write")
		}
		select {
		case <-l.done:
			return
		case <-ticker.C:
		}
	}
}

// drainRTCP reads sender reports so the interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func connectionState(s webrtc.PeerConnectionState) domain.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return domain.ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.ConnFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.ConnClosed
	default:
		return domain.ConnNew
	}
}
