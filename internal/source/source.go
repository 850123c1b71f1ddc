package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/MikeSquared-Agency/callsight/internal/audio"
	"github.com/MikeSquared-Agency/callsight/internal/conversation"
)

// MaxBytes caps how much of a recording is read into memory.
const MaxBytes = 512 << 20

const driveScheme = "gdrive://"

var errTooLarge = errors.New("recording exceeds size limit")

// Fetcher loads recordings from a local path, an http(s) URL, or Google Drive
// (gdrive://<fileID>, where Meet stores its recordings).
type Fetcher struct {
	http   *http.Client
	drive  *drive.Service
	logger *slog.Logger
}

// New returns a Fetcher. driveSvc may be nil when Drive is not configured.
func New(httpClient *http.Client, driveSvc *drive.Service, logger *slog.Logger) *Fetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Fetcher{http: httpClient, drive: driveSvc, logger: logger}
}

// NewDriveService builds a read-only Drive client from a service account key,
// impersonating subject when domain-wide delegation is in use.
func NewDriveService(ctx context.Context, credentialsFile, subject string) (*drive.Service, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	conf, err := google.JWTConfigFromJSON(b, drive.DriveReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	if subject != "" {
		conf.Subject = subject
	}
	srv, err := drive.NewService(ctx, option.WithHTTPClient(conf.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("drive service: %w", err)
	}
	return srv, nil
}

// Fetch reads the recording behind ref. declaredFormat, when set, overrides
// the format inferred from the reference.
func (f *Fetcher) Fetch(ctx context.Context, ref, declaredFormat string) (audio.Input, error) {
	const op = "fetch audio"
	var (
		in  audio.Input
		err error
	)
	switch {
	case strings.HasPrefix(ref, driveScheme):
		in, err = f.fetchDrive(ctx, strings.TrimPrefix(ref, driveScheme))
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		in, err = f.fetchHTTP(ctx, ref)
	default:
		in, err = fetchFile(strings.TrimPrefix(ref, "file://"))
	}
	if err != nil {
		var ce *conversation.Error
		if errors.As(err, &ce) {
			return audio.Input{}, err
		}
		return audio.Input{}, conversation.E(conversation.KindInput, op, err)
	}
	if declaredFormat != "" {
		in.Format = declaredFormat
	}
	f.logger.Debug("audio fetched", "ref", ref, "bytes", len(in.Data), "format", in.Format)
	return in, nil
}

func fetchFile(p string) (audio.Input, error) {
	fh, err := os.Open(p)
	if err != nil {
		return audio.Input{}, fmt.Errorf("open recording: %w", err)
	}
	defer fh.Close()
	data, err := readLimited(fh)
	if err != nil {
		return audio.Input{}, err
	}
	return audio.Input{Data: data, Format: extOf(p), Name: filepath.Base(p)}, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, ref string) (audio.Input, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return audio.Input{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return audio.Input{}, conversation.E(conversation.KindProviderTransient, "download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("download %s: status %d", ref, resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return audio.Input{}, conversation.E(conversation.KindProviderTransient, "download", err)
		}
		return audio.Input{}, err
	}
	data, err := readLimited(resp.Body)
	if err != nil {
		return audio.Input{}, err
	}

	name := ref
	if u, err := url.Parse(ref); err == nil {
		name = path.Base(u.Path)
	}
	return audio.Input{Data: data, Format: extOf(name), Name: name}, nil
}

func (f *Fetcher) fetchDrive(ctx context.Context, fileID string) (audio.Input, error) {
	if f.drive == nil {
		return audio.Input{}, errors.New("google drive is not configured")
	}
	meta, err := f.drive.Files.Get(fileID).Fields("name", "mimeType").SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return audio.Input{}, driveError(ctx, "drive metadata", fmt.Errorf("file %s: %w", fileID, err))
	}
	resp, err := f.drive.Files.Get(fileID).SupportsAllDrives(true).Context(ctx).Download()
	if err != nil {
		return audio.Input{}, driveError(ctx, "drive download", fmt.Errorf("file %s: %w", fileID, err))
	}
	defer resp.Body.Close()

	data, err := readLimited(resp.Body)
	if err != nil {
		return audio.Input{}, err
	}
	format := extOf(meta.Name)
	if format == "" {
		format = strings.TrimPrefix(meta.MimeType, "video/")
		format = strings.TrimPrefix(format, "audio/")
	}
	return audio.Input{Data: data, Format: format, Name: meta.Name}, nil
}

// driveError keeps missing or forbidden files on the caller and everything
// else on Drive.
func driveError(ctx context.Context, op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code < 500 && gerr.Code != http.StatusTooManyRequests {
		return conversation.E(conversation.KindInput, op, err)
	}
	if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		err = fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return conversation.E(conversation.KindProviderTransient, op, err)
}

// readLimited reads a whole recording. Read failures are transient; a body
// over MaxBytes is the caller's problem.
func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxBytes+1))
	if err != nil {
		return nil, conversation.E(conversation.KindProviderTransient, "read recording", err)
	}
	if len(data) > MaxBytes {
		return nil, errTooLarge
	}
	return data, nil
}

func extOf(name string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
}
