// Package media downloads a source image once, normalises it and uploads it
// for attachment to posts. Uploaded images can also be archived to S3 or a
// local directory.
package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"social-autopilot/internal/errors"
	"social-autopilot/internal/logging"
)

// Uploader hands image bytes to the publish service and returns a media id.
type Uploader interface {
	UploadMedia(ctx context.Context, data []byte, mimeType string) (string, error)
}

// Archiver keeps a copy of every uploaded image.
type Archiver interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Config configures a Preparer.
type Config struct {
	MaxBytes        int64
	MaxWidth        int
	DownloadTimeout time.Duration
	Logger          *zap.SugaredLogger
	Now             func() time.Time
}

// Preparer turns an image url into an attached media id.
type Preparer struct {
	httpClient *http.Client
	uploader   Uploader
	archive    Archiver
	maxBytes   int64
	maxWidth   int
	now        func() time.Time
	logger     *zap.SugaredLogger
}

// Prepared is the outcome of one Prepare call.
type Prepared struct {
	MediaID    string `json:"media_id"`
	MimeType   string `json:"mime_type"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	ArchiveURL string `json:"archive_url,omitempty"`
}

// NewPreparer builds a preparer. archive may be nil.
func NewPreparer(uploader Uploader, archive Archiver, cfg Config) *Preparer {
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 5 * 1024 * 1024
	}
	if cfg.MaxWidth == 0 {
		cfg.MaxWidth = 1600
	}
	if cfg.DownloadTimeout == 0 {
		cfg.DownloadTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Preparer{
		httpClient: &http.Client{Timeout: cfg.DownloadTimeout},
		uploader:   uploader,
		archive:    archive,
		maxBytes:   cfg.MaxBytes,
		maxWidth:   cfg.MaxWidth,
		now:        cfg.Now,
		logger:     logging.OrNop(cfg.Logger),
	}
}

// Prepare downloads url, shrinks it to the configured width, re-encodes it
// and uploads it. A failed archive write is logged, not returned.
func (p *Preparer) Prepare(ctx context.Context, url string) (Prepared, error) {
	data, contentType, err := p.download(ctx, url)
	if err != nil {
		return Prepared{}, err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Prepared{}, errors.Wrap(err, "decode image")
	}
	if img.Bounds().Dx() > p.maxWidth {
		img = imaging.Resize(img, p.maxWidth, 0, imaging.Lanczos)
	}

	outputFormat := chooseFormat(format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return Prepared{}, errors.Wrap(err, "encode image")
	}
	mime := mimeForFormat(outputFormat)

	mediaID, err := p.uploader.UploadMedia(ctx, buf.Bytes(), mime)
	if err != nil {
		return Prepared{}, errors.Wrap(err, "upload media")
	}
	out := Prepared{MediaID: mediaID, MimeType: mime, Width: img.Bounds().Dx(), Height: img.Bounds().Dy()}

	if p.archive != nil {
		key := fmt.Sprintf("media/%s/%s.%s", p.now().UTC().Format("2006/01/02"), uuid.NewString(), formatExtension(outputFormat))
		loc, err := p.archive.Upload(ctx, key, buf.Bytes(), mime)
		if err != nil {
			p.logger.Warnw("media archive failed", "media_id", mediaID, "key", key, "error", err)
		} else {
			out.ArchiveURL = loc
		}
	}

	p.logger.Infow("media prepared", "media_id", mediaID, "width", out.Width, "height", out.Height, "source", url)
	return out, nil
}

func (p *Preparer) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", errors.Wrap(err, "build request")
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, "", errors.Wrap(err, "download image")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", errors.Newf("download image: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return nil, "", errors.Wrap(err, "read image")
	}
	if int64(len(body)) > p.maxBytes {
		return nil, "", errors.NewInvalidRequestError("image too large (>%d bytes)", p.maxBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// chooseFormat keeps PNG and GIF sources lossless and sends everything else
// as JPEG.
func chooseFormat(decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	case "jpeg", "jpg":
		return imaging.JPEG
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	default:
		return "image/jpeg"
	}
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	default:
		return "jpg"
	}
}
