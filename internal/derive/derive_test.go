package derive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"CloudVault/internal/apperr"
	"CloudVault/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestContentDeriverImage(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	data := pngBytes(t, 40, 30)
	require.NoError(t, store.PutObject(ctx, "img", bytes.NewReader(data), int64(len(data)), storage.PutOptions{}))

	d := NewContentDeriver(store)
	require.True(t, d.Supports("IMAGE/png"))
	assert.False(t, d.Supports("application/pdf"))

	meta, err := d.Derive(ctx, "img", "image/png")
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), meta.Checksum)
	assert.Equal(t, "image/png", meta.ContentType)
	assert.Equal(t, 40, meta.Width)
	assert.Equal(t, 30, meta.Height)
	assert.Equal(t, int64(len(data)), meta.Size)
}

func TestContentDeriverBrokenImage(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	body := "not really a png"
	require.NoError(t, store.PutObject(ctx, "bad", strings.NewReader(body), int64(len(body)), storage.PutOptions{}))

	_, err := NewContentDeriver(store).Derive(ctx, "bad", "image/png")
	assert.ErrorIs(t, err, apperr.ErrDerivationFailed)
	assert.True(t, apperr.IsRecoverable(err))
}

func TestContentDeriverCustomPrefixes(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	body := "plain text body"
	require.NoError(t, store.PutObject(ctx, "txt", strings.NewReader(body), int64(len(body)), storage.PutOptions{}))

	d := NewContentDeriver(store, "text/")
	require.True(t, d.Supports("text/plain"))
	meta, err := d.Derive(ctx, "txt", "text/plain")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(meta.ContentType, "text/plain"), meta.ContentType)
	assert.Zero(t, meta.Width)
	assert.Equal(t, int64(len(body)), meta.Size)
}

func TestContentDeriverDetectsStructuredText(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	body := `{"name":"report","pages":3}`
	require.NoError(t, store.PutObject(ctx, "doc", strings.NewReader(body), int64(len(body)), storage.PutOptions{}))

	meta, err := NewContentDeriver(store, "application/").Derive(ctx, "doc", "application/octet-stream")
	require.NoError(t, err)
	assert.Equal(t, "application/json", meta.ContentType)
	assert.Equal(t, int64(len(body)), meta.Size)
}
