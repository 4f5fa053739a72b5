// Package scanner classifies stored objects as clean or malicious.
package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"CloudVault/internal/apperr"
	"CloudVault/internal/storage"
)

// Verdict is the scanner's classification of one object.
type Verdict int

const (
	Clean Verdict = iota
	Malicious
)

func (v Verdict) String() string {
	if v == Malicious {
		return "malicious"
	}
	return "clean"
}

// Scanner inspects the object stored under a key.
type Scanner interface {
	Scan(ctx context.Context, storageKey string) (Verdict, error)
}

// EICAR is the standard antivirus test signature.
const EICAR = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`

const chunkSize = 64 << 10

// SignatureScanner streams the object and flags it when any signature occurs.
type SignatureScanner struct {
	store      storage.Store
	signatures [][]byte
	overlap    int
}

// NewSignatureScanner scans with EICAR plus extra signatures.
func NewSignatureScanner(store storage.Store, extra ...string) *SignatureScanner {
	sigs := [][]byte{[]byte(EICAR)}
	for _, s := range extra {
		if s != "" {
			sigs = append(sigs, []byte(s))
		}
	}
	overlap := 0
	for _, s := range sigs {
		if len(s) > overlap {
			overlap = len(s)
		}
	}
	return &SignatureScanner{store: store, signatures: sigs, overlap: overlap - 1}
}

// Scan reads the object in chunks. Read and store failures are ErrScanFailed so
// the worker retries them; a missing object is not retried.
func (s *SignatureScanner) Scan(ctx context.Context, storageKey string) (Verdict, error) {
	rc, _, err := s.store.GetObject(ctx, storageKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return Clean, err
		}
		return Clean, fmt.Errorf("%w: open %s: %v", apperr.ErrScanFailed, storageKey, err)
	}
	defer rc.Close()

	buf := make([]byte, 0, chunkSize+s.overlap)
	chunk := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return Clean, fmt.Errorf("%w: %v", apperr.ErrScanFailed, err)
		}
		n, readErr := rc.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if s.match(buf) {
			return Malicious, nil
		}
		// keep the tail so a signature split across reads is still seen
		if len(buf) > s.overlap {
			buf = append(buf[:0], buf[len(buf)-s.overlap:]...)
		}
		if readErr == io.EOF {
			return Clean, nil
		}
		if readErr != nil {
			return Clean, fmt.Errorf("%w: read %s: %v", apperr.ErrScanFailed, storageKey, readErr)
		}
	}
}

func (s *SignatureScanner) match(buf []byte) bool {
	for _, sig := range s.signatures {
		if bytes.Contains(buf, sig) {
			return true
		}
	}
	return false
}
