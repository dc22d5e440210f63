package pipeline

import (
	"context"
	"fmt"
	"os"
	"sync"

	"streamforge/internal/media"
)

// fakeGateway records encoder calls and lets tests inject failures per
// operation. It writes placeholder files so path assertions can stat them.
type fakeGateway struct {
	mu sync.Mutex

	probeResult media.ProbeResult
	probeErr    error

	encodeCalls []media.VariantParams
	encodeErrs  map[string]error

	frameCalls     []float64
	framePaths     []string
	frameErrs      map[int]error
	failAllExtract bool

	audioCalls []string
	audioErr   error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		probeResult: media.ProbeResult{Duration: 100, Width: 1920, Height: 1080},
		encodeErrs:  map[string]error{},
		frameErrs:   map[int]error{},
	}
}

func (f *fakeGateway) Probe(_ context.Context, _ string) (media.ProbeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeResult, f.probeErr
}

func (f *fakeGateway) EncodeVariant(_ context.Context, params media.VariantParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.encodeCalls = append(f.encodeCalls, params)
	if err, ok := f.encodeErrs[params.Resolution]; ok {
		return err
	}
	return os.WriteFile(params.PlaylistPath, []byte("#EXTM3U\n"), 0o644)
}

func (f *fakeGateway) ExtractFrame(_ context.Context, _ string, offsetSeconds float64, outputPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	index := len(f.frameCalls)
	f.frameCalls = append(f.frameCalls, offsetSeconds)
	f.framePaths = append(f.framePaths, outputPath)
	if f.failAllExtract {
		return fmt.Errorf("extract failed")
	}
	if err, ok := f.frameErrs[index]; ok {
		return err
	}
	return os.WriteFile(outputPath, []byte("jpeg"), 0o644)
}

func (f *fakeGateway) ExtractAudio(_ context.Context, _ string, outputPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioCalls = append(f.audioCalls, outputPath)
	if f.audioErr != nil {
		return f.audioErr
	}
	return os.WriteFile(outputPath, []byte("flac"), 0o644)
}

func (f *fakeGateway) encodeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.encodeCalls)
}
