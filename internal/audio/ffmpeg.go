package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// DecodeError means ffmpeg ran to completion and refused the input.
type DecodeError struct {
	Format string
	Detail string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("ffmpeg cannot decode %s: %s", e.Format, e.Detail)
}

// FFmpeg transcodes through the ffmpeg binary. Input and output go through
// temp files so containers that need seeking (mp4/m4a) decode and the WAV
// header carries real sizes.
type FFmpeg struct {
	Path string
}

func NewFFmpeg() *FFmpeg {
	return &FFmpeg{Path: "ffmpeg"}
}

func (f *FFmpeg) Transcode(ctx context.Context, data []byte, format string) ([]byte, error) {
	dir, err := os.MkdirTemp("", "callsight-ffmpeg-*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "input."+format)
	out := filepath.Join(dir, "output.wav")
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, f.Path,
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", in,
		"-ac", "1",
		"-ar", strconv.Itoa(CanonicalSampleRate),
		"-acodec", "pcm_s16le",
		out,
	)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ffmpeg interrupted: %w", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &DecodeError{Format: format, Detail: string(bytes.TrimSpace(stderr.Bytes()))}
		}
		return nil, fmt.Errorf("run ffmpeg: %w", err)
	}

	wavData, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	return wavData, nil
}
