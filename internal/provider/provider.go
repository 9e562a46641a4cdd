// Package provider supplies the pipeline's raw inputs: location fixes and
// acceleration samples. Sources deliver over channels the consumers range
// over; cancelling the source's context closes its channels.
package provider

import "github.com/trackwire/trackwire/internal/track"

// Fix is one raw location observation, or the error that took its place.
// Diagnostics surfaces show the latest of either.
type Fix struct {
	Position track.Position
	Err      error
}
