package rtc

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const pliInterval = 2 * time.Second

// Config holds the pion transport settings.
type Config struct {
	STUNServers  []string
	MaxWidth     int
	MaxHeight    int
	VideoBitRate int
	PreferredCam string
	PreferredMic string
	CaptureOff   bool
}

// localTrack is what platform capture hands back: a sendable local track
// that can be closed when the call releases media.
type localTrack interface {
	webrtc.TrackLocal
	Close() error
}

// captureResult is produced by the platform-specific openCapture.
type captureResult struct {
	audio         localTrack
	video         localTrack
	videoDeviceID string

	// populate registers the capture codecs on a media engine.
	// nil means use the default codec set (receive-only links).
	populate func(*webrtc.MediaEngine)

	// switchCam opens the next camera and returns its track and device ID.
	switchCam func(ctx context.Context) (localTrack, string, error)
}

// Pion is the production Transport backed by pion/webrtc and
// pion/mediadevices.
type Pion struct {
	mu  sync.Mutex
	cfg Config
}

func NewPion(cfg Config) *Pion { return &Pion{cfg: cfg} }

// SetConfig swaps the transport settings. Established links keep the
// settings they were built with; the next call picks up the new ones.
func (p *Pion) SetConfig(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

func (p *Pion) config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

func (p *Pion) AcquireMedia(_ context.Context, c MediaConstraints) (LocalMedia, error) {
	cfg := p.config()
	if cfg.CaptureOff {
		c = MediaConstraints{}
	}
	res, err := openCapture(c, cfg)
	if err != nil {
		return nil, err
	}
	return &pionMedia{
		cap:     res,
		audioOn: res.audio != nil,
		videoOn: res.video != nil,
	}, nil
}

func (p *Pion) NewPeerLink(media LocalMedia) (PeerLink, error) {
	m, _ := media.(*pionMedia)

	mediaEngine := &webrtc.MediaEngine{}
	if m != nil && m.cap.populate != nil {
		m.cap.populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief NAT hiccup does not immediately
	// terminate the call. The default disconnectedTimeout of 5s is too
	// short for paths that see short outages during re-keying.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	cfg := p.config()
	servers := []webrtc.ICEServer{}
	if len(cfg.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.STUNServers})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	l := &pionLink{pc: pc, media: m, done: make(chan struct{})}

	// Fixed transceiver order, audio then video, so m-line indexes match
	// on both sides regardless of which capture attempts succeeded.
	if m != nil && m.cap.audio != nil {
		tr, err := pc.AddTransceiverFromTrack(m.cap.audio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		})
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("add audio transceiver: %w", err)
		}
		l.audioSender = tr.Sender()
	} else if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add audio transceiver: %w", err)
	}

	if m != nil && m.cap.video != nil {
		tr, err := pc.AddTransceiverFromTrack(m.cap.video, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		})
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("add video transceiver: %w", err)
		}
		l.videoSender = tr.Sender()
	} else if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add video transceiver: %w", err)
	}

	if m != nil {
		m.registerLink(l)
	}
	pc.OnTrack(l.handleTrack)
	return l, nil
}

// ── Local media ──────────────────────────────────────────────────────────

type pionMedia struct {
	mu      sync.Mutex
	cap     captureResult
	audioOn bool
	videoOn bool
	links   map[*pionLink]struct{}
	closed  bool
}

func (m *pionMedia) registerLink(l *pionLink) {
	m.mu.Lock()
	if m.links == nil {
		m.links = make(map[*pionLink]struct{})
	}
	m.links[l] = struct{}{}
	m.mu.Unlock()
}

func (m *pionMedia) dropLink(l *pionLink) {
	m.mu.Lock()
	delete(m.links, l)
	m.mu.Unlock()
}

func (m *pionMedia) SetAudioEnabled(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cap.audio == nil {
		return ErrMediaUnavailable
	}
	m.audioOn = on
	var track webrtc.TrackLocal
	if on {
		track = m.cap.audio
	}
	for l := range m.links {
		if l.audioSender == nil {
			continue
		}
		if err := l.audioSender.ReplaceTrack(track); err != nil {
			log.Printf("RTC: audio toggle replace track: %v", err)
		}
	}
	return nil
}

func (m *pionMedia) SetVideoEnabled(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cap.video == nil {
		return ErrMediaUnavailable
	}
	m.videoOn = on
	var track webrtc.TrackLocal
	if on {
		track = m.cap.video
	}
	for l := range m.links {
		if l.videoSender == nil {
			continue
		}
		if err := l.videoSender.ReplaceTrack(track); err != nil {
			log.Printf("RTC: video toggle replace track: %v", err)
		}
	}
	return nil
}

func (m *pionMedia) AudioEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioOn
}

func (m *pionMedia) VideoEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoOn
}

func (m *pionMedia) HasAudio() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cap.audio != nil
}

func (m *pionMedia) HasVideo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cap.video != nil
}

func (m *pionMedia) SwitchCamera(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cap.video == nil || m.cap.switchCam == nil {
		return ErrMediaUnavailable
	}
	next, deviceID, err := m.cap.switchCam(ctx)
	if err != nil {
		return fmt.Errorf("switch camera: %w", err)
	}
	old := m.cap.video
	m.cap.video = next
	m.cap.videoDeviceID = deviceID
	if m.videoOn {
		for l := range m.links {
			if l.videoSender == nil {
				continue
			}
			if err := l.videoSender.ReplaceTrack(next); err != nil {
				log.Printf("RTC: camera switch replace track: %v", err)
			}
		}
	}
	old.Close()
	log.Printf("RTC: switched camera to device %s", deviceID)
	return nil
}

func (m *pionMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.cap.audio != nil {
		m.cap.audio.Close()
	}
	if m.cap.video != nil {
		m.cap.video.Close()
	}
	return nil
}

// ── Peer link ────────────────────────────────────────────────────────────

type pionLink struct {
	pc          *webrtc.PeerConnection
	media       *pionMedia
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender

	videoIn  atomic.Bool
	received atomic.Uint64
	lost     atomic.Uint64

	done chan struct{}
	once sync.Once

	mu            sync.Mutex
	onRemoteTrack func(RemoteTrack)
}

func (l *pionLink) CreateOffer(_ context.Context) (Description, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return Description{}, fmt.Errorf("apply local offer: %w", err)
	}
	return Description{Type: DescriptionOffer, SDP: offer.SDP}, nil
}

func (l *pionLink) CreateAnswer(_ context.Context) (Description, error) {
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return Description{}, fmt.Errorf("apply local answer: %w", err)
	}
	return Description{Type: DescriptionAnswer, SDP: answer.SDP}, nil
}

func (l *pionLink) RestartICE(_ context.Context) (Description, error) {
	offer, err := l.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return Description{}, fmt.Errorf("create restart offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return Description{}, fmt.Errorf("apply restart offer: %w", err)
	}
	return Description{Type: DescriptionOffer, SDP: offer.SDP}, nil
}

func (l *pionLink) SetRemoteDescription(desc Description) error {
	st := webrtc.SDPTypeOffer
	if desc.Type == DescriptionAnswer {
		st = webrtc.SDPTypeAnswer
	}
	return l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: st, SDP: desc.SDP})
}

func (l *pionLink) Rollback() error {
	return l.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (l *pionLink) AddICECandidate(c Candidate) error {
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	return l.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
}

func (l *pionLink) SignalingState() SignalingState {
	switch l.pc.SignalingState() {
	case webrtc.SignalingStateHaveLocalOffer, webrtc.SignalingStateHaveLocalPranswer:
		return SignalingHaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer, webrtc.SignalingStateHaveRemotePranswer:
		return SignalingHaveRemoteOffer
	default:
		return SignalingStable
	}
}

func (l *pionLink) HasRemoteDescription() bool {
	return l.pc.RemoteDescription() != nil
}

func (l *pionLink) OnICECandidate(fn func(Candidate)) {
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of gathering
		}
		init := c.ToJSON()
		cand := Candidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *init.SDPMLineIndex
		}
		fn(cand)
	})
}

func (l *pionLink) OnConnectionStateChange(fn func(LinkState)) {
	l.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(mapPeerState(s))
	})
}

func (l *pionLink) OnNegotiationNeeded(fn func()) {
	l.pc.OnNegotiationNeeded(fn)
}

func (l *pionLink) OnRemoteTrack(fn func(RemoteTrack)) {
	l.mu.Lock()
	l.onRemoteTrack = fn
	l.mu.Unlock()
}

func (l *pionLink) InboundVideoStats() (LinkStats, bool) {
	if !l.videoIn.Load() {
		return LinkStats{}, false
	}
	return LinkStats{
		PacketsReceived: l.received.Load(),
		PacketsLost:     l.lost.Load(),
	}, true
}

func (l *pionLink) Close() error {
	l.once.Do(func() {
		close(l.done)
		if l.media != nil {
			l.media.dropLink(l)
		}
	})
	return l.pc.Close()
}

func (l *pionLink) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	l.mu.Lock()
	fn := l.onRemoteTrack
	l.mu.Unlock()
	if fn != nil {
		fn(RemoteTrack{Kind: track.Kind().String(), ID: track.ID()})
	}

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		l.videoIn.Store(true)
		go l.videoReadLoop(track)
		go l.pliLoop(uint32(track.SSRC()))
		return
	}
	go drainTrack(track)
}

// videoReadLoop counts inbound RTP packets and sequence-number gaps. The
// gap count feeds quality sampling; it deliberately ignores reordering
// beyond half the sequence space.
func (l *pionLink) videoReadLoop(track *webrtc.TrackRemote) {
	var last uint16
	first := true
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		l.countPacket(pkt, &last, &first)
	}
}

func (l *pionLink) countPacket(pkt *rtp.Packet, last *uint16, first *bool) {
	l.received.Add(1)
	if !*first {
		delta := pkt.SequenceNumber - *last
		if delta > 1 && delta < 0x8000 {
			l.lost.Add(uint64(delta - 1))
		}
	}
	*first = false
	*last = pkt.SequenceNumber
}

// pliLoop periodically requests a keyframe so remote video recovers
// quickly after packet loss.
func (l *pionLink) pliLoop(ssrc uint32) {
	t := time.NewTicker(pliInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := l.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
				return
			}
		case <-l.done:
			return
		}
	}
}

// drainTrack keeps reading a remote track so the interceptor chain and
// jitter buffers stay serviced.
func drainTrack(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

func mapPeerState(s webrtc.PeerConnectionState) LinkState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return LinkNew
	case webrtc.PeerConnectionStateConnecting:
		return LinkConnecting
	case webrtc.PeerConnectionStateConnected:
		return LinkConnected
	case webrtc.PeerConnectionStateDisconnected:
		return LinkDisconnected
	case webrtc.PeerConnectionStateFailed:
		return LinkFailed
	default:
		return LinkClosed
	}
}
