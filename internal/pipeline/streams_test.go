package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"streamforge/internal/media"
	"streamforge/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testVideo(t *testing.T, root string) models.Video {
	t.Helper()
	source := filepath.Join(root, "source.mp4")
	if err := os.WriteFile(source, []byte("mp4"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return models.Video{
		ID:         "vid-1",
		Title:      "Launch keynote",
		SourcePath: source,
		Status:     models.StatusProcessing,
	}
}

func TestStreamBuilderEncodesFullLadder(t *testing.T) {
	root := t.TempDir()
	gateway := newFakeGateway()
	layout := Layout{Root: root, PublicBase: "/media"}
	builder := NewStreamBuilder(gateway, layout, 10, testLogger())

	plan, err := BuildPlan(media.ProbeResult{Duration: 120}, nil)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	video := testVideo(t, root)

	renditions, playbackURL, err := builder.Build(context.Background(), video, plan)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(renditions) != 5 {
		t.Fatalf("expected 5 renditions, got %d", len(renditions))
	}
	if gateway.encodeCount() != 5 {
		t.Fatalf("expected 5 encode calls, got %d", gateway.encodeCount())
	}
	if playbackURL != "/media/adaptive/vid-1/playlist.m3u8" {
		t.Fatalf("unexpected playback URL %q", playbackURL)
	}
	for _, rendition := range renditions {
		if rendition.ManifestURL == "" {
			t.Fatalf("expected manifest URL on rendition %s", rendition.Name)
		}
	}
}

func TestStreamBuilderMasterPlaylistOrderedAscending(t *testing.T) {
	root := t.TempDir()
	gateway := newFakeGateway()
	layout := Layout{Root: root, PublicBase: "/media"}
	builder := NewStreamBuilder(gateway, layout, 10, testLogger())

	plan, err := BuildPlan(media.ProbeResult{Duration: 120}, nil)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	video := testVideo(t, root)

	if _, _, err := builder.Build(context.Background(), video, plan); err != nil {
		t.Fatalf("Build: %v", err)
	}

	data, err := os.ReadFile(layout.MasterPlaylist(video.ID))
	if err != nil {
		t.Fatalf("read master playlist: %v", err)
	}
	content := string(data)
	if !strings.HasPrefix(content, "#EXTM3U\n#EXT-X-VERSION:3\n") {
		t.Fatalf("unexpected playlist header: %q", content)
	}
	expectedOrder := []string{
		"BANDWIDTH=400000,RESOLUTION=426x240",
		"BANDWIDTH=700000,RESOLUTION=640x360",
		"BANDWIDTH=1200000,RESOLUTION=854x480",
		"BANDWIDTH=2500000,RESOLUTION=1280x720",
		"BANDWIDTH=5000000,RESOLUTION=1920x1080",
	}
	lastIndex := -1
	for _, marker := range expectedOrder {
		index := strings.Index(content, marker)
		if index == -1 {
			t.Fatalf("playlist missing %q: %q", marker, content)
		}
		if index < lastIndex {
			t.Fatalf("playlist variants out of order: %q", content)
		}
		lastIndex = index
	}
	if !strings.Contains(content, "240p/playlist.m3u8") {
		t.Fatalf("expected relative variant reference, got %q", content)
	}
}

func TestStreamBuilderAbortsOnEncodeFailure(t *testing.T) {
	root := t.TempDir()
	gateway := newFakeGateway()
	gateway.encodeErrs["854x480"] = fmt.Errorf("encoder exit 1")
	layout := Layout{Root: root, PublicBase: "/media"}
	builder := NewStreamBuilder(gateway, layout, 10, testLogger())

	plan, err := BuildPlan(media.ProbeResult{Duration: 120}, nil)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	video := testVideo(t, root)

	if _, _, err := builder.Build(context.Background(), video, plan); err == nil {
		t.Fatalf("expected encode failure to abort build")
	}
	// The third rung failed, so the two higher rungs must not be attempted
	// and no master playlist may exist.
	if gateway.encodeCount() != 3 {
		t.Fatalf("expected 3 encode calls before abort, got %d", gateway.encodeCount())
	}
	if _, err := os.Stat(layout.MasterPlaylist(video.ID)); !os.IsNotExist(err) {
		t.Fatalf("expected no master playlist after failure, stat err: %v", err)
	}
}

func TestStreamBuilderHonoursContextCancellation(t *testing.T) {
	root := t.TempDir()
	gateway := newFakeGateway()
	layout := Layout{Root: root, PublicBase: "/media"}
	builder := NewStreamBuilder(gateway, layout, 10, testLogger())

	plan, err := BuildPlan(media.ProbeResult{Duration: 120}, nil)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	video := testVideo(t, root)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := builder.Build(ctx, video, plan); err == nil {
		t.Fatalf("expected cancellation error")
	}
	if gateway.encodeCount() != 0 {
		t.Fatalf("expected no encode calls after cancellation, got %d", gateway.encodeCount())
	}
}
