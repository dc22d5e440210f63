package pipeline

import (
	"fmt"
	"path/filepath"
)

// Layout resolves the on-disk and public locations of generated assets for a
// single media root. All generated files for a video live under
// adaptive/<id>/, thumbnails/<id>/ and subtitles/<id>/.
type Layout struct {
	// Root is the filesystem directory all assets are written beneath.
	Root string
	// PublicBase is prepended to relative asset paths to form playback URLs.
	PublicBase string
}

func (l Layout) AdaptiveDir(videoID string) string {
	return filepath.Join(l.Root, "adaptive", videoID)
}

func (l Layout) VariantDir(videoID, name string) string {
	return filepath.Join(l.AdaptiveDir(videoID), name)
}

func (l Layout) VariantPlaylist(videoID, name string) string {
	return filepath.Join(l.VariantDir(videoID, name), "playlist.m3u8")
}

func (l Layout) SegmentPattern(videoID, name string) string {
	return filepath.Join(l.VariantDir(videoID, name), "segment_%03d.ts")
}

func (l Layout) MasterPlaylist(videoID string) string {
	return filepath.Join(l.AdaptiveDir(videoID), "playlist.m3u8")
}

func (l Layout) ThumbnailDir(videoID string) string {
	return filepath.Join(l.Root, "thumbnails", videoID)
}

func (l Layout) ThumbnailPath(videoID string, index int) string {
	return filepath.Join(l.ThumbnailDir(videoID), fmt.Sprintf("thumb_%d.jpg", index))
}

func (l Layout) SubtitleDir(videoID string) string {
	return filepath.Join(l.Root, "subtitles", videoID)
}

func (l Layout) SubtitlePath(videoID, language string) string {
	return filepath.Join(l.SubtitleDir(videoID), language+".vtt")
}

func (l Layout) TempAudioPath(videoID string) string {
	return filepath.Join(l.Root, "temp", videoID+"_audio.flac")
}

// PublicURL maps an absolute asset path back to its public URL. Paths outside
// Root are returned unchanged.
func (l Layout) PublicURL(assetPath string) string {
	rel, err := filepath.Rel(l.Root, assetPath)
	if err != nil {
		return assetPath
	}
	return l.PublicBase + "/" + filepath.ToSlash(rel)
}
