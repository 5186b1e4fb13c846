package muxer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Muxer combines a video-only and an audio-only file into one playable
// container.
type Muxer interface {
	Available() bool
	Combine(ctx context.Context, videoPath, audioPath string) (string, error)
}

// FFmpegMuxer implements Muxer using the ffmpeg command line tool
type FFmpegMuxer struct {
	Path string
}

// NewFFmpegMuxer returns a new FFmpegMuxer.
// If path is empty, it looks for "ffmpeg" in PATH.
func NewFFmpegMuxer(path string) *FFmpegMuxer {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegMuxer{Path: path}
}

// Available checks if ffmpeg is executable
func (f *FFmpegMuxer) Available() bool {
	_, err := exec.LookPath(f.Path)
	return err == nil
}

// Combine merges the two streams into one file with stream copy and removes
// the inputs on success. The output stays in the video input's container, so
// stream copy never forces codecs into a container that can't hold them.
func (f *FFmpegMuxer) Combine(ctx context.Context, videoPath, audioPath string) (string, error) {
	outputPath := mergedOutputPath(videoPath)

	args := []string{
		"-i", videoPath,
		"-i", audioPath,
		"-c:v", "copy",
		"-c:a", "copy",
		"-y", outputPath,
	}

	cmd := exec.CommandContext(ctx, f.Path, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("ffmpeg merge failed: %v: %s", err, string(out))
	}

	_ = os.Remove(videoPath)
	_ = os.Remove(audioPath)

	return outputPath, nil
}

// mergedOutputPath derives the output name from the video input, keeping its
// extension
func mergedOutputPath(videoPath string) string {
	ext := filepath.Ext(videoPath)
	if ext == "" {
		ext = ".mp4"
	}
	return strings.TrimSuffix(videoPath, ext) + "-merged" + ext
}
