package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os/exec"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-audio/wav"

	"github.com/MikeSquared-Agency/callsight/internal/conversation"
)

// CanonicalSampleRate is the rate every recording is resampled to before transcription.
const CanonicalSampleRate = 16000

// SupportedFormats lists the containers accepted for transcoding.
var SupportedFormats = []string{"wav", "mp3", "mp4", "m4a", "ogg", "oga", "webm", "flac"}

// Input is a raw recording as received from a source.
type Input struct {
	Data   []byte
	Format string // declared format or file extension, optional
	Name   string
}

type Metadata struct {
	SampleRate       int           `json:"sample_rate"`
	Channels         int           `json:"channels"`
	Duration         time.Duration `json:"duration"`
	SourceFormat     string        `json:"source_format"`
	SourceSampleRate int           `json:"source_sample_rate"`
	SourceChannels   int           `json:"source_channels"`
}

type Features struct {
	RMS          float64 `json:"rms"`
	Peak         float64 `json:"peak"`
	SilenceRatio float64 `json:"silence_ratio"`
}

// Canonical is 16 kHz mono signed 16-bit PCM plus what was learned about it.
type Canonical struct {
	PCM      []int16
	Metadata Metadata
	Features Features
}

// Transcoder converts an arbitrary container into a WAV byte stream.
type Transcoder interface {
	Transcode(ctx context.Context, data []byte, format string) ([]byte, error)
}

type Normalizer struct {
	transcoder Transcoder
	logger     *slog.Logger
}

// New returns a Normalizer. A nil transcoder limits input to PCM WAV.
func New(t Transcoder, logger *slog.Logger) *Normalizer {
	return &Normalizer{transcoder: t, logger: logger}
}

// Normalize decodes, downmixes and resamples a recording into Canonical form.
func (n *Normalizer) Normalize(ctx context.Context, in Input) (*Canonical, error) {
	const op = "normalize"
	if len(in.Data) == 0 {
		return nil, conversation.E(conversation.KindInput, op, conversation.ErrEmptyAudio)
	}

	declared := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(in.Format)), ".")
	mtype := mimetype.Detect(in.Data)
	sniffed := strings.TrimPrefix(mtype.Extension(), ".")

	data := in.Data
	sourceFormat := sniffed
	if !mtype.Is("audio/wav") || !isPCMWAV(data) {
		format := pickFormat(sniffed, declared)
		if format == "" {
			return nil, conversation.E(conversation.KindInput, op,
				fmt.Errorf("%w: %s", conversation.ErrUnsupportedFormat, mtype.String()))
		}
		if n.transcoder == nil {
			return nil, conversation.E(conversation.KindInput, op,
				fmt.Errorf("%w: %s needs transcoding", conversation.ErrUnsupportedFormat, format))
		}
		n.logger.Debug("transcoding audio", "format", format, "name", in.Name, "bytes", len(data))
		out, err := n.transcoder.Transcode(ctx, data, format)
		if err != nil {
			return nil, transcodeError(ctx, op, err)
		}
		data = out
		sourceFormat = format
	}

	c, err := decodeWAV(data)
	if err != nil {
		return nil, conversation.E(conversation.KindInput, op, err)
	}
	c.Metadata.SourceFormat = sourceFormat
	if c.Features.SilenceRatio >= 1 {
		return nil, conversation.E(conversation.KindInput, op,
			fmt.Errorf("%w: no signal above silence threshold", conversation.ErrEmptyAudio))
	}

	n.logger.Info("audio normalized",
		"name", in.Name,
		"source_format", sourceFormat,
		"source_rate", c.Metadata.SourceSampleRate,
		"source_channels", c.Metadata.SourceChannels,
		"duration", c.Metadata.Duration.String(),
		"rms", c.Features.RMS,
	)
	return c, nil
}

// transcodeError blames the recording only when the transcoder rejected it.
// Deadlines and local failures are not the caller's fault.
func transcodeError(ctx context.Context, op string, err error) error {
	var de *DecodeError
	switch {
	case errors.As(err, &de):
		return conversation.E(conversation.KindInput, op, fmt.Errorf("%w: %v", conversation.ErrUnsupportedFormat, err))
	case ctx.Err() != nil:
		return conversation.E(conversation.KindProviderTransient, op, fmt.Errorf("transcode: %w", ctx.Err()))
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return conversation.E(conversation.KindProviderTransient, op, fmt.Errorf("transcode: %w", err))
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return conversation.E(conversation.KindInternal, op, fmt.Errorf("transcoder unavailable: %w", err))
	}
	return conversation.E(conversation.KindProviderTransient, op, fmt.Errorf("transcode: %w", err))
}

func pickFormat(candidates ...string) string {
	for _, f := range candidates {
		for _, ok := range SupportedFormats {
			if f == ok {
				return f
			}
		}
	}
	return ""
}

// isPCMWAV reports whether a RIFF/WAVE stream declares integer PCM samples.
func isPCMWAV(data []byte) bool {
	body, ok := findChunk(data, "fmt ")
	if !ok || len(body) < 2 {
		return false
	}
	return binary.LittleEndian.Uint16(body[0:2]) == 1
}

// findChunk walks the RIFF chunk list for id. The returned body is truncated
// at the end of data when the declared size overruns it.
func findChunk(data []byte, id string) ([]byte, bool) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, false
	}
	off := 12
	for off+8 <= len(data) {
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		start := off + 8
		if string(data[off:off+4]) == id {
			end := start + size
			if end > len(data) || end < start {
				end = len(data)
			}
			return data[start:end], true
		}
		off = start + size + size&1
	}
	return nil, false
}

func decodeWAV(data []byte) (*Canonical, error) {
	if pcm, ok := findChunk(data, "data"); ok && len(pcm) == 0 {
		return nil, conversation.ErrEmptyAudio
	}

	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return nil, fmt.Errorf("%w: invalid wav stream", conversation.ErrUnsupportedFormat)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: decode pcm: %v", conversation.ErrUnsupportedFormat, err)
	}

	channels := buf.Format.NumChannels
	rate := buf.Format.SampleRate
	if channels < 1 || rate < 1 {
		return nil, fmt.Errorf("%w: bad wav header", conversation.ErrUnsupportedFormat)
	}
	frames := len(buf.Data) / channels
	if frames == 0 {
		return nil, conversation.ErrEmptyAudio
	}

	mono := downmix(buf.Data, channels, buf.SourceBitDepth)
	out := resample(mono, rate, CanonicalSampleRate)

	pcm := make([]int16, len(out))
	for i, v := range out {
		pcm[i] = int16(math.Round(clamp(v, -1, 1) * math.MaxInt16))
	}

	return &Canonical{
		PCM: pcm,
		Metadata: Metadata{
			SampleRate:       CanonicalSampleRate,
			Channels:         1,
			Duration:         time.Duration(float64(frames) / float64(rate) * float64(time.Second)),
			SourceSampleRate: rate,
			SourceChannels:   channels,
		},
		Features: features(out, CanonicalSampleRate),
	}, nil
}

// downmix averages interleaved channels into one [-1, 1] float signal.
func downmix(data []int, channels, bitDepth int) []float64 {
	frames := len(data) / channels
	out := make([]float64, frames)
	for f := 0; f < frames; f++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += toFloat(data[f*channels+c], bitDepth)
		}
		out[f] = sum / float64(channels)
	}
	return out
}

func toFloat(v, bitDepth int) float64 {
	switch bitDepth {
	case 8:
		return float64(v-128) / 128
	case 24:
		return float64(v) / (1 << 23)
	case 32:
		return float64(v) / (1 << 31)
	default:
		return float64(v) / (1 << 15)
	}
}

// resample converts between rates with linear interpolation.
func resample(in []float64, from, to int) []float64 {
	if from == to || len(in) == 0 {
		return in
	}
	n := int(math.Round(float64(len(in)) * float64(to) / float64(from)))
	if n < 1 {
		n = 1
	}
	out := make([]float64, n)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(idx)
		out[i] = in[idx]*(1-frac) + in[idx+1]*frac
	}
	return out
}

const silenceRMS = 0.01

func features(signal []float64, rate int) Features {
	var f Features
	if len(signal) == 0 {
		return f
	}
	var sumSq float64
	for _, v := range signal {
		sumSq += v * v
		if a := math.Abs(v); a > f.Peak {
			f.Peak = a
		}
	}
	f.RMS = math.Sqrt(sumSq / float64(len(signal)))

	window := rate / 50 // 20ms
	if window < 1 {
		window = 1
	}
	var windows, silent int
	for start := 0; start < len(signal); start += window {
		end := min(start+window, len(signal))
		var s float64
		for _, v := range signal[start:end] {
			s += v * v
		}
		windows++
		if math.Sqrt(s/float64(end-start)) < silenceRMS {
			silent++
		}
	}
	f.SilenceRatio = float64(silent) / float64(windows)
	return f
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
