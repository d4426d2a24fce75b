//go:build linux

package media

import (
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/rs/zerolog/log"
)

// Manager builds the codec selector once and hands out capture streams.
type Manager struct {
	selector *mediadevices.CodecSelector
}

// New prepares VP8 + Opus encoders for capture.
func New() (*Manager, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &Manager{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// Selector returns the codec selector the peer connection's media
// engine must be populated from.
func (m *Manager) Selector() *mediadevices.CodecSelector {
	return m.selector
}

// Acquire opens the microphone, and the default (user-facing) camera
// when video is requested. A video call whose camera cannot be opened
// degrades to audio-only rather than failing; only a total capture
// failure returns ErrNoDevice.
func (m *Manager) Acquire(video bool) (*Stream, error) {
	attempts := []struct {
		video bool
		label string
	}{{video, "requested"}}
	if video {
		attempts = append(attempts, struct {
			video bool
			label string
		}{false, "audio-only fallback"})
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: m.selector}
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only — some cameras expose an MJPEG node
				// with malformed frames that poisons the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				// Cap resolution; higher settings inflate VP8 encoding
				// latency on typical laptop cameras.
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Str("attempt", a.label).Msg("GetUserMedia failed")
			continue
		}

		tracks := stream.GetTracks()
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Warn().Err(err).Msg("local track ended")
				}
			})
		}
		log.Info().Int("tracks", len(tracks)).Str("attempt", a.label).Msg("local media captured")
		return &Stream{native: stream, tracks: tracks}, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrNoDevice, lastErr)
}
