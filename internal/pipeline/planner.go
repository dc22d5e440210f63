// Package pipeline implements the processing stages that turn an uploaded
// source file into playable assets: the encoding ladder plan, adaptive HLS
// renditions with a master playlist, thumbnails, optional content protection,
// and optional subtitle generation. The Orchestrator sequences the stages for
// a single video.
package pipeline

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"streamforge/internal/media"
	"streamforge/internal/models"
)

// DegradedProbeDuration is assumed when the prober cannot report a duration.
// Thumbnail offsets computed from it may miss, so the video is flagged.
const DegradedProbeDuration = 600.0

// Plan is the per-video encoding plan: the source duration (possibly the
// degraded fallback) and the rendition ladder ordered by ascending bandwidth.
type Plan struct {
	Duration float64
	Degraded bool
	Ladder   []models.Rendition
}

// DefaultLadder returns the fixed five-rung encoding ladder.
func DefaultLadder() []models.Rendition {
	return []models.Rendition{
		{Name: "240p", Resolution: "426x240", Bitrate: "400k"},
		{Name: "360p", Resolution: "640x360", Bitrate: "700k"},
		{Name: "480p", Resolution: "854x480", Bitrate: "1200k"},
		{Name: "720p", Resolution: "1280x720", Bitrate: "2500k"},
		{Name: "1080p", Resolution: "1920x1080", Bitrate: "5000k"},
	}
}

// BuildPlan turns a probe result into an encoding plan. A probe failure or a
// zero duration does not abort processing: the plan falls back to
// DegradedProbeDuration and marks itself degraded. The ladder is annotated
// with parsed bandwidth values and sorted ascending.
func BuildPlan(probe media.ProbeResult, probeErr error) (Plan, error) {
	plan := Plan{Duration: probe.Duration}
	if probeErr != nil || probe.Duration <= 0 {
		plan.Duration = DegradedProbeDuration
		plan.Degraded = true
	}

	ladder := DefaultLadder()
	for i := range ladder {
		bandwidth, err := ParseBandwidth(ladder[i].Bitrate)
		if err != nil {
			return Plan{}, fmt.Errorf("ladder rung %s: %w", ladder[i].Name, err)
		}
		ladder[i].Bandwidth = bandwidth
	}
	sort.SliceStable(ladder, func(i, j int) bool {
		return ladder[i].Bandwidth < ladder[j].Bandwidth
	})
	plan.Ladder = ladder
	return plan, nil
}

// ParseBandwidth converts a bitrate string such as "400k" or "2M" into bits
// per second. A bare number is taken as bits per second already.
func ParseBandwidth(bitrate string) (int, error) {
	trimmed := strings.TrimSpace(bitrate)
	if trimmed == "" {
		return 0, fmt.Errorf("bitrate is required")
	}
	multiplier := 1
	switch {
	case strings.HasSuffix(trimmed, "k"), strings.HasSuffix(trimmed, "K"):
		multiplier = 1000
		trimmed = trimmed[:len(trimmed)-1]
	case strings.HasSuffix(trimmed, "M"), strings.HasSuffix(trimmed, "m"):
		multiplier = 1000000
		trimmed = trimmed[:len(trimmed)-1]
	}
	value, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("parse bitrate %q: %w", bitrate, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("bitrate %q must be positive", bitrate)
	}
	return value * multiplier, nil
}
