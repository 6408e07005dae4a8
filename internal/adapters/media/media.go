// Package media stores user profile images.
package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // decoder registration
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/google/uuid"
	_ "golang.org/x/image/bmp" // decoder registration
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // decoder registration
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	// DefaultMaxPx bounds the longer side of a stored image.
	DefaultMaxPx = 512
	// MaxUploadBytes caps how much of an upload is read.
	MaxUploadBytes = 10 << 20

	jpegQuality = 85
)

// ErrInvalidImage is returned when an upload cannot be decoded.
var ErrInvalidImage = errors.New("invalid image")

// Slug turns a display name into a file-name stem: diacritics removed,
// lowercase, runs of other characters collapsed to one underscore.
// "Jiří Novák" becomes "jiri_novak".
func Slug(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	plain, _, err := transform.String(t, name)
	if err != nil {
		plain = name
	}

	var b strings.Builder
	sep := false
	for _, r := range strings.ToLower(plain) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			if sep && b.Len() > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
			sep = false
			continue
		}
		sep = true
	}
	return b.String()
}

// Normalize decodes data and re-encodes it as JPEG with the longer side at
// most maxPx. Aspect ratio is kept. maxPx <= 0 disables resizing.
func Normalize(data []byte, maxPx int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if maxPx > 0 && (width > maxPx || height > maxPx) {
		var w, h int
		if width > height {
			w = maxPx
			h = int(float64(height) * float64(maxPx) / float64(width))
		} else {
			h = maxPx
			w = int(float64(width) * float64(maxPx) / float64(height))
		}
		resized := image.NewRGBA(image.Rect(0, 0, max(w, 1), max(h, 1)))
		draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)
		img = resized
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// Store writes normalized images into a directory.
type Store struct {
	dir   string
	maxPx int
}

// NewStore creates dir if needed.
func NewStore(dir string, maxPx int) (*Store, error) {
	if dir == "" {
		return nil, errors.New("uploads directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads directory: %w", err)
	}
	return &Store{dir: dir, maxPx: maxPx}, nil
}

// Dir is the directory images are written to.
func (s *Store) Dir() string { return s.dir }

// Save normalizes the image read from r and writes it as <slug(name)>.jpg,
// replacing any previous file. Names without a usable slug get a random one.
// It returns the file name relative to Dir.
func (s *Store) Save(name string, r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxUploadBytes+1))
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	if len(data) > MaxUploadBytes {
		return "", fmt.Errorf("%w: larger than %d bytes", ErrInvalidImage, MaxUploadBytes)
	}
	out, err := Normalize(data, s.maxPx)
	if err != nil {
		return "", err
	}

	stem := Slug(name)
	if stem == "" {
		stem = uuid.NewString()
	}
	file := stem + ".jpg"

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(out); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close image: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, file)); err != nil {
		return "", fmt.Errorf("store image: %w", err)
	}
	return file, nil
}
