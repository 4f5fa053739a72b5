// Package derive computes metadata for clean objects.
package derive

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"strings"

	"CloudVault/internal/apperr"
	"CloudVault/internal/storage"

	"github.com/gabriel-vasile/mimetype"
)

// sniffLen is how much of the object head the type detector sees.
const sniffLen = 3072

// Metadata is what derivation learns about an object.
type Metadata struct {
	Checksum    string
	ContentType string
	Width       int
	Height      int
	Size        int64
}

// Deriver extracts metadata for the mime types it supports.
type Deriver interface {
	Supports(mimeType string) bool
	Derive(ctx context.Context, storageKey, mimeType string) (Metadata, error)
}

// ContentDeriver hashes the object, sniffs its type and reads image dimensions.
type ContentDeriver struct {
	store    storage.Store
	prefixes []string
}

// NewContentDeriver handles mime types starting with one of prefixes.
// With no prefixes only image/* is handled.
func NewContentDeriver(store storage.Store, prefixes ...string) *ContentDeriver {
	if len(prefixes) == 0 {
		prefixes = []string{"image/"}
	}
	return &ContentDeriver{store: store, prefixes: prefixes}
}

func (d *ContentDeriver) Supports(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	for _, p := range d.prefixes {
		if strings.HasPrefix(mimeType, p) {
			return true
		}
	}
	return false
}

func (d *ContentDeriver) Derive(ctx context.Context, storageKey, mimeType string) (Metadata, error) {
	rc, _, err := d.store.GetObject(ctx, storageKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return Metadata{}, err
		}
		return Metadata{}, fmt.Errorf("%w: open %s: %v", apperr.ErrDerivationFailed, storageKey, err)
	}
	defer rc.Close()

	hasher := sha256.New()
	counter := &countingWriter{}
	br := bufio.NewReaderSize(io.TeeReader(rc, io.MultiWriter(hasher, counter)), sniffLen+1024)

	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return Metadata{}, fmt.Errorf("%w: read %s: %v", apperr.ErrDerivationFailed, storageKey, err)
	}
	meta := Metadata{ContentType: mimetype.Detect(head).String()}

	if strings.HasPrefix(strings.ToLower(mimeType), "image/") {
		cfg, _, err := image.DecodeConfig(br)
		if err != nil {
			return Metadata{}, fmt.Errorf("%w: decode image %s: %v", apperr.ErrDerivationFailed, storageKey, err)
		}
		meta.Width, meta.Height = cfg.Width, cfg.Height
	}

	if _, err := io.Copy(io.Discard, &ctxReader{ctx: ctx, r: br}); err != nil {
		return Metadata{}, fmt.Errorf("%w: hash %s: %v", apperr.ErrDerivationFailed, storageKey, err)
	}
	meta.Checksum = hex.EncodeToString(hasher.Sum(nil))
	meta.Size = counter.n
	return meta, nil
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// ctxReader stops a long copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
