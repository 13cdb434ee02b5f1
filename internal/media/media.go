// Package media stores attachment payloads on disk and records them as
// File rows.
package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/omochice/json-socket-chat/internal/chaterr"
	"github.com/omochice/json-socket-chat/internal/store"
)

// Options configures where payloads are written and how they are addressed.
type Options struct {
	Dir      string
	BaseURL  string
	MaxBytes int64
}

// Service decodes base64 attachments, writes them under Dir and records a
// File for each.
type Service struct {
	files  store.Files
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func New(files store.Files, opts Options, logger *slog.Logger) *Service {
	return &Service{files: files, opts: opts, logger: logger, now: time.Now}
}

// Upload is one attachment received from a client.
type Upload struct {
	Owner    uuid.UUID
	Kind     store.ContentType
	Filename string
	Data     string
}

// Save stores u and returns its File record. The declared size from the
// client is ignored; FileSize is the decoded length.
func (s *Service) Save(ctx context.Context, u Upload) (*store.File, error) {
	if u.Data == "" {
		return nil, chaterr.InvalidArg("attachment has no data")
	}
	if int64(base64.StdEncoding.DecodedLen(len(u.Data))) > s.opts.MaxBytes+2 {
		return nil, s.tooLarge()
	}
	raw, err := base64.StdEncoding.DecodeString(u.Data)
	if err != nil {
		return nil, chaterr.InvalidArg("attachment data is not valid base64")
	}
	if int64(len(raw)) > s.opts.MaxBytes {
		return nil, s.tooLarge()
	}

	mimeType := http.DetectContentType(raw)
	name := cleanName(u.Filename)
	ext := extension(name, mimeType)

	now := s.now()
	id := uuid.New()
	rel := path.Join(now.Format("2006"), now.Format("01"), now.Format("02"), id.String()+ext)
	abs := filepath.Join(s.opts.Dir, filepath.FromSlash(rel))

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, chaterr.Internal("failed to store attachment", err)
	}
	if err := os.WriteFile(abs, raw, 0o644); err != nil {
		return nil, chaterr.Internal("failed to store attachment", err)
	}

	f := &store.File{
		ID:           id,
		UserID:       &u.Owner,
		FileName:     name,
		FilePath:     rel,
		FileURL:      strings.TrimRight(s.opts.BaseURL, "/") + "/" + rel,
		FileType:     string(u.Kind),
		MimeType:     mimeType,
		FileSize:     int64(len(raw)),
		UploadStatus: store.UploadCompleted,
	}
	if strings.HasPrefix(mimeType, "image/") {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(raw)); err == nil {
			f.Width, f.Height = &cfg.Width, &cfg.Height
		}
	}

	if err := s.files.CreateFile(ctx, f); err != nil {
		if rmErr := os.Remove(abs); rmErr != nil {
			s.logger.WarnContext(ctx, "failed to remove orphaned upload", "path", abs, "error", rmErr)
		}
		return nil, chaterr.Persistence("failed to record attachment", err)
	}

	s.logger.InfoContext(ctx, "attachment stored",
		"file", f.ID, "kind", u.Kind, "mime", mimeType, "size", humanize.IBytes(uint64(f.FileSize)))
	return f, nil
}

// Discard removes a saved payload whose message could not be posted and
// marks its File as failed. Errors are logged; the caller has already
// failed the request.
func (s *Service) Discard(ctx context.Context, f *store.File) {
	abs := filepath.Join(s.opts.Dir, filepath.FromSlash(f.FilePath))
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.WarnContext(ctx, "failed to remove discarded upload", "path", abs, "error", err)
	}
	if err := s.files.SetUploadStatus(ctx, f.ID, store.UploadFailed); err != nil {
		s.logger.WarnContext(ctx, "failed to mark upload failed", "file", f.ID, "error", err)
	}
}

func (s *Service) tooLarge() error {
	return chaterr.InvalidArg(fmt.Sprintf("attachment exceeds %s", humanize.IBytes(uint64(s.opts.MaxBytes))))
}

// cleanName keeps only the base name a client supplied.
func cleanName(name string) string {
	name = filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	if name == "." || name == "/" || name == "" {
		return "attachment"
	}
	if len(name) > 255 {
		name = name[len(name)-255:]
	}
	return name
}

// extension prefers the client's extension when it is short and
// alphanumeric, otherwise one registered for mimeType.
func extension(name, mimeType string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) > 1 && len(ext) <= 10 && isAlnum(ext[1:]) {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

func isAlnum(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
