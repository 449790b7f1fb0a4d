// Package pionmedia implements signaling.MediaBinding on top of a pion
// PeerConnection.
//
// Each Binding owns one PeerConnection and the local tracks added to it.
// Descriptions are trickled: CreateLocalDescription returns as soon as the
// local description is set and candidates follow through OnLocalCandidate.
//
// Pion invokes its handlers on its own goroutines, sometimes from inside
// SetRemoteDescription or Close. The Binding re-posts every handler onto a
// single dispatch goroutine, so callbacks reach the Machine serially and never
// from inside a call the Machine made. Nothing is dispatched after Close.
package pionmedia

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/akinalp/carecall/signaling"
)

var ErrClosed = errors.New("pionmedia: binding closed")

// Binding is a signaling.MediaBinding backed by a PeerConnection.
type Binding struct {
	pc     *webrtc.PeerConnection
	tracks []webrtc.TrackLocal
	log    zerolog.Logger

	mu          sync.Mutex
	closed      bool
	negotiated  bool
	onCandidate func(signaling.Candidate)
	onConn      func(signaling.Connectivity)
	onTrack     func(signaling.RemoteTrack)
	onNeg       func()

	events *dispatcher
}

func newBinding(pc *webrtc.PeerConnection, tracks []webrtc.TrackLocal, log zerolog.Logger) *Binding {
	b := &Binding{
		pc:     pc,
		tracks: tracks,
		log:    log,
		events: newDispatcher(),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering; the counterpart does not need it.
		if c == nil {
			return
		}
		init := c.ToJSON()
		cand := signaling.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		}
		b.post(func() {
			if fn := b.candidateHandler(); fn != nil {
				fn(cand)
			}
		})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c := connectivityOf(s)
		b.log.Debug().Str("state", s.String()).Msg("peer connection state")
		b.post(func() {
			if fn := b.connHandler(); fn != nil {
				fn(c)
			}
		})
	})

	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rt := signaling.RemoteTrack{
			ID:       tr.ID(),
			StreamID: tr.StreamID(),
			Kind:     tr.Kind().String(),
			Native:   tr,
		}
		b.post(func() {
			if fn := b.trackHandler(); fn != nil {
				fn(rt)
			}
		})
	})

	pc.OnNegotiationNeeded(func() {
		b.mu.Lock()
		ready := b.negotiated
		b.mu.Unlock()
		// The first round is driven by the call setup itself.
		if !ready {
			return
		}
		b.post(func() {
			if fn := b.negHandler(); fn != nil {
				fn()
			}
		})
	})

	return b
}

// PeerConnection exposes the underlying connection, for stats and for
// writing samples into the local tracks.
func (b *Binding) PeerConnection() *webrtc.PeerConnection { return b.pc }

// LocalTracks returns the tracks this binding acquired.
func (b *Binding) LocalTracks() []webrtc.TrackLocal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), b.tracks...)
}

// AddTrack adds a local track to a live call. Once the call has been
// negotiated this triggers a renegotiation round.
func (b *Binding) AddTrack(track webrtc.TrackLocal) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.tracks = append(b.tracks, track)
	b.mu.Unlock()

	if _, err := b.pc.AddTrack(track); err != nil {
		return fmt.Errorf("add track %s: %w", track.ID(), err)
	}
	return nil
}

// ─── signaling.MediaBinding ───

func (b *Binding) CreateLocalDescription(ctx context.Context, kind signaling.SDPType) (signaling.Description, error) {
	if err := ctx.Err(); err != nil {
		return signaling.Description{}, err
	}
	if b.isClosed() {
		return signaling.Description{}, ErrClosed
	}

	var (
		desc webrtc.SessionDescription
		err  error
	)
	switch kind {
	case signaling.SDPOffer:
		desc, err = b.pc.CreateOffer(nil)
	case signaling.SDPAnswer:
		desc, err = b.pc.CreateAnswer(nil)
	default:
		return signaling.Description{}, fmt.Errorf("pionmedia: unknown description type %q", kind)
	}
	if err != nil {
		return signaling.Description{}, fmt.Errorf("create %s: %w", kind, err)
	}
	if err := b.pc.SetLocalDescription(desc); err != nil {
		return signaling.Description{}, fmt.Errorf("set local %s: %w", kind, err)
	}

	if kind == signaling.SDPAnswer {
		b.markNegotiated()
	}
	return signaling.Description{Type: kind, SDP: desc.SDP}, nil
}

func (b *Binding) SetRemoteDescription(d signaling.Description) error {
	if b.isClosed() {
		return ErrClosed
	}

	desc := webrtc.SessionDescription{SDP: d.SDP}
	switch d.Type {
	case signaling.SDPOffer:
		desc.Type = webrtc.SDPTypeOffer
		// Our own offer lost a collision: roll it back before taking theirs.
		if b.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
			b.log.Debug().Msg("rolling back local offer")
			if err := b.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
				return fmt.Errorf("rollback local offer: %w", err)
			}
		}
	case signaling.SDPAnswer:
		desc.Type = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("pionmedia: unknown description type %q", d.Type)
	}

	if err := b.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", d.Type, err)
	}
	if d.Type == signaling.SDPAnswer {
		b.markNegotiated()
	}
	return nil
}

func (b *Binding) AddRemoteCandidate(c signaling.Candidate) error {
	if b.isClosed() {
		return ErrClosed
	}
	return b.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (b *Binding) OnLocalCandidate(fn func(signaling.Candidate)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onCandidate = fn
}

func (b *Binding) OnConnectivityChange(fn func(signaling.Connectivity)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onConn = fn
}

func (b *Binding) OnRemoteTrack(fn func(signaling.RemoteTrack)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrack = fn
}

func (b *Binding) OnNegotiationNeeded(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onNeg = fn
}

// Close releases the local tracks and closes the PeerConnection. Later calls are no-ops.
func (b *Binding) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.events.stop()

	// Closing the PeerConnection stops every RTPSender and with it the local tracks.
	err := b.pc.Close()
	b.log.Debug().Msg("media released")
	return err
}

// ─── Internals ───

func (b *Binding) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Binding) markNegotiated() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.negotiated = true
}

func (b *Binding) post(fn func()) {
	if b.isClosed() {
		return
	}
	b.events.post(fn)
}

func (b *Binding) candidateHandler() func(signaling.Candidate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	return b.onCandidate
}

func (b *Binding) connHandler() func(signaling.Connectivity) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	return b.onConn
}

func (b *Binding) trackHandler() func(signaling.RemoteTrack) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	return b.onTrack
}

func (b *Binding) negHandler() func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	return b.onNeg
}

func connectivityOf(s webrtc.PeerConnectionState) signaling.Connectivity {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return signaling.ConnectivityConnecting
	case webrtc.PeerConnectionStateConnected:
		return signaling.ConnectivityConnected
	case webrtc.PeerConnectionStateDisconnected:
		return signaling.ConnectivityDisconnected
	case webrtc.PeerConnectionStateFailed:
		return signaling.ConnectivityFailed
	case webrtc.PeerConnectionStateClosed:
		return signaling.ConnectivityClosed
	}
	return signaling.ConnectivityNew
}
