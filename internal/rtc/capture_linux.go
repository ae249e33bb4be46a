//go:build linux

package rtc

import (
	"context"
	"fmt"
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// openCapture opens camera and microphone via pion/mediadevices (V4L2 +
// malgo). GetUserMedia fails as a unit if either requested track cannot be
// opened, so requests degrade: both kinds, then video-only, then audio-only.
// All attempts failing yields ErrMediaUnavailable; a call can still proceed
// receive-only if its owner decides to.
func openCapture(c MediaConstraints, cfg Config) (captureResult, error) {
	if !c.Audio && !c.Video {
		return captureResult{}, nil
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return captureResult{}, err
	}
	vpxParams.BitRate = cfg.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return captureResult{}, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{}
	if c.Video && c.Audio {
		attempts = append(attempts, attempt{true, true, "video+audio"})
	}
	if c.Video {
		attempts = append(attempts, attempt{true, false, "video-only"})
	}
	if c.Audio {
		attempts = append(attempts, attempt{false, true, "audio-only"})
	}

	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if a.video {
			constraints.Video = videoConstraint(cfg, cfg.PreferredCam)
		}
		if a.audio {
			constraints.Audio = func(mc *mediadevices.MediaTrackConstraints) {
				if cfg.PreferredMic != "" {
					mc.DeviceID = prop.StringExact(cfg.PreferredMic)
				}
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("RTC: GetUserMedia (%s) failed: %v", a.label, err)
			continue
		}

		res := captureResult{
			videoDeviceID: cfg.PreferredCam,
			populate:      func(me *webrtc.MediaEngine) { selector.Populate(me) },
		}
		for _, track := range stream.GetTracks() {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("RTC: local track ended: %v", err)
				}
			})
			switch track.Kind() {
			case webrtc.RTPCodecTypeAudio:
				res.audio = track
			case webrtc.RTPCodecTypeVideo:
				res.video = track
			}
		}
		res.switchCam = makeCameraSwitcher(selector, cfg)
		log.Printf("RTC: local media captured (%s)", a.label)
		return res, nil
	}

	return captureResult{}, fmt.Errorf("all capture attempts failed: %w", ErrMediaUnavailable)
}

// videoConstraint excludes MJPEG capture nodes — some cameras expose a
// V4L2 MJPEG node that emits malformed JPEG frames, which poisons the VP8
// encoder. Raw formats only, capped to the configured resolution.
func videoConstraint(cfg Config, deviceID string) mediadevices.MediaOption {
	return func(mc *mediadevices.MediaTrackConstraints) {
		mc.FrameFormat = prop.FrameFormatOneOf{
			frame.FormatYUYV,
			frame.FormatI420,
			frame.FormatI444,
			frame.FormatRGBA,
		}
		mc.Width = prop.IntRanged{Max: cfg.MaxWidth}
		mc.Height = prop.IntRanged{Max: cfg.MaxHeight}
		if deviceID != "" {
			mc.DeviceID = prop.StringExact(deviceID)
		}
	}
}

// makeCameraSwitcher returns a closure that cycles through the attached
// cameras. Each invocation opens the next device and hands its video
// track back; the caller swaps it into the active senders.
func makeCameraSwitcher(selector *mediadevices.CodecSelector, cfg Config) func(context.Context) (localTrack, string, error) {
	idx := 0
	return func(_ context.Context) (localTrack, string, error) {
		var cams []string
		for _, d := range mediadevices.EnumerateDevices() {
			if d.Kind == mediadevices.VideoInput {
				cams = append(cams, d.DeviceID)
			}
		}
		if len(cams) < 2 {
			return nil, "", fmt.Errorf("no alternate camera: %w", ErrMediaUnavailable)
		}
		idx = (idx + 1) % len(cams)
		id := cams[idx]

		stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Codec: selector,
			Video: videoConstraint(cfg, id),
		})
		if err != nil {
			return nil, "", fmt.Errorf("open camera %s: %w", id, err)
		}
		for _, track := range stream.GetTracks() {
			if track.Kind() == webrtc.RTPCodecTypeVideo {
				return track, id, nil
			}
			track.Close()
		}
		return nil, "", fmt.Errorf("camera %s produced no video track: %w", id, ErrMediaUnavailable)
	}
}
