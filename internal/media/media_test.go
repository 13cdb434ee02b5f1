package media_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/json-socket-chat/internal/chaterr"
	"github.com/omochice/json-socket-chat/internal/logging"
	"github.com/omochice/json-socket-chat/internal/media"
	"github.com/omochice/json-socket-chat/internal/store"
	"github.com/omochice/json-socket-chat/internal/store/memory"
)

func pngData(t *testing.T, w, h int) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestSave_Image(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	files := memory.New()
	svc := media.New(files, media.Options{Dir: dir, BaseURL: "/files/", MaxBytes: 1 << 20}, logging.Discard())

	owner := uuid.New()
	f, err := svc.Save(ctx, media.Upload{Owner: owner, Kind: store.ContentImage, Filename: "../../etc/cat.PNG", Data: pngData(t, 4, 3)})
	require.NoError(t, err)

	assert.Equal(t, "cat.PNG", f.FileName)
	assert.Equal(t, "image/png", f.MimeType)
	assert.True(t, strings.HasPrefix(f.FileURL, "/files/"), f.FileURL)
	assert.True(t, strings.HasSuffix(f.FilePath, ".png"), f.FilePath)
	require.NotNil(t, f.Width)
	assert.Equal(t, 4, *f.Width)
	assert.Equal(t, 3, *f.Height)

	onDisk, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(f.FilePath)))
	require.NoError(t, err)
	assert.Equal(t, f.FileSize, int64(len(onDisk)))

	stored, err := files.FileByID(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, owner, *stored.UserID)
}

func TestSave_PlainFile(t *testing.T) {
	svc := media.New(memory.New(), media.Options{Dir: t.TempDir(), BaseURL: "http://cdn.example/u", MaxBytes: 64}, logging.Discard())

	f, err := svc.Save(context.Background(), media.Upload{
		Kind:     store.ContentFile,
		Filename: "notes",
		Data:     base64.StdEncoding.EncodeToString([]byte("hello")),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), f.FileSize)
	assert.True(t, strings.HasPrefix(f.MimeType, "text/plain"), f.MimeType)
	assert.True(t, strings.HasPrefix(f.FileURL, "http://cdn.example/u/"), f.FileURL)
	assert.Nil(t, f.Width)
}

func TestSave_Rejects(t *testing.T) {
	svc := media.New(memory.New(), media.Options{Dir: t.TempDir(), BaseURL: "/", MaxBytes: 8}, logging.Discard())

	tests := []struct {
		name string
		data string
	}{
		{name: "empty", data: ""},
		{name: "not base64", data: "!!!not base64!!!"},
		{name: "too large", data: base64.StdEncoding.EncodeToString(bytes.Repeat([]byte("x"), 9))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Save(context.Background(), media.Upload{Kind: store.ContentFile, Filename: "a.txt", Data: tt.data})
			assert.Equal(t, chaterr.CodeInvalidArgument, chaterr.CodeOf(err), "err = %v", err)
		})
	}
}

func TestDiscard(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	files := memory.New()
	svc := media.New(files, media.Options{Dir: dir, BaseURL: "/files/", MaxBytes: 1 << 20}, logging.Discard())

	f, err := svc.Save(ctx, media.Upload{
		Owner:    uuid.New(),
		Kind:     store.ContentFile,
		Filename: "notes.txt",
		Data:     base64.StdEncoding.EncodeToString([]byte("hello")),
	})
	require.NoError(t, err)
	path := filepath.Join(dir, filepath.FromSlash(f.FilePath))
	require.FileExists(t, path)

	svc.Discard(ctx, f)

	assert.NoFileExists(t, path)
	got, err := files.FileByID(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, store.UploadFailed, got.UploadStatus)

	// A second discard finds nothing on disk and still succeeds.
	svc.Discard(ctx, f)
}
