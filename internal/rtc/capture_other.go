//go:build !linux

package rtc

import "fmt"

// openCapture is a stub on non-Linux platforms: camera and microphone
// capture via pion/mediadevices needs the V4L2 and malgo drivers. Links
// still work receive-only when no capture is requested.
func openCapture(c MediaConstraints, _ Config) (captureResult, error) {
	if !c.Audio && !c.Video {
		return captureResult{}, nil
	}
	return captureResult{}, fmt.Errorf("media capture not supported on this platform: %w", ErrMediaUnavailable)
}
