package pionmedia

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/akinalp/carecall/signaling"
)

// TrackSource acquires the local tracks for one call. It runs when the caller
// starts a call and when the callee accepts one, never for a rejected call.
type TrackSource func(ctx context.Context, sessionID string, role signaling.Role) ([]webrtc.TrackLocal, error)

// Options configure a Factory.
type Options struct {
	ICEServers []webrtc.ICEServer
	// IncludeLoopback gathers 127.0.0.1 candidates, needed when both ends run
	// on one host with no other interface.
	IncludeLoopback bool
	// Tracks defaults to DefaultTracks.
	Tracks TrackSource
	Logger *zerolog.Logger
}

// Factory creates a Binding per call.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
	tracks TrackSource
	log    zerolog.Logger
}

func NewFactory(opts Options) (*Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if opts.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}

	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	tracks := opts.Tracks
	if tracks == nil {
		tracks = DefaultTracks
	}

	return &Factory{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(settingEngine)),
		config: webrtc.Configuration{ICEServers: opts.ICEServers},
		tracks: tracks,
		log:    log.With().Str("component", "pionmedia").Logger(),
	}, nil
}

// New implements signaling.MediaFactory.
func (f *Factory) New(ctx context.Context, sessionID string, role signaling.Role) (signaling.MediaBinding, error) {
	local, err := f.tracks(ctx, sessionID, role)
	if err != nil {
		return nil, fmt.Errorf("acquire local tracks: %w", err)
	}

	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	for _, track := range local {
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add track %s: %w", track.ID(), err)
		}
	}

	log := f.log.With().Str("session", sessionID).Str("role", string(role)).Logger()
	log.Debug().Int("tracks", len(local)).Msg("media acquired")
	return newBinding(pc, local, log), nil
}

// DefaultTracks returns one Opus audio and one VP8 video track. Samples are
// written by whoever owns the capture device; see Binding.LocalTracks.
func DefaultTracks(_ context.Context, sessionID string, _ signaling.Role) ([]webrtc.TrackLocal, error) {
	stream := "carecall-" + sessionID

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", stream)
	if err != nil {
		return nil, fmt.Errorf("audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", stream)
	if err != nil {
		return nil, fmt.Errorf("video track: %w", err)
	}
	return []webrtc.TrackLocal{audio, video}, nil
}
