// Package cpuproc implements the CPU Processor stage: for each
// candidate path it reads bytes, computes a content hash, extracts
// metadata, and consults the dedup cache to decide whether the item
// goes to the GPU Worker or straight to the DB Upserter.
package cpuproc

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kaelstrom/pixelsync/pkg/dedupcache"
	"github.com/kaelstrom/pixelsync/pkg/telemetry"
	"github.com/kaelstrom/pixelsync/pkg/types"
	"github.com/rwcarlsen/goexif/exif"
	"go.opentelemetry.io/otel/trace"
)

const defaultMaxFileSize = 100 * 1024 * 1024 // 100 MB

// Sentinel reasons recorded on failed-files entries.
var (
	ErrTooLarge    = errors.New("cpuproc: file exceeds maximum size")
	ErrDecodeError = errors.New("cpuproc: unreadable or unsupported file")
)

// Config configures the CPU Processor.
type Config struct {
	// MaxFileSize rejects any file larger than this many bytes.
	MaxFileSize int64
}

// DefaultConfig returns the spec's default 100 MB cap.
func DefaultConfig() Config {
	return Config{MaxFileSize: defaultMaxFileSize}
}

// Processor turns a candidate path into a FileItem, resolved against
// the dedup cache.
type Processor struct {
	cfg       Config
	cache     dedupcache.Cache
	telemetry *telemetry.Provider
}

// New returns a Processor backed by cache.
func New(cfg Config, cache dedupcache.Cache) *Processor {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = defaultMaxFileSize
	}
	return &Processor{cfg: cfg, cache: cache}
}

// SetTelemetry enables per-call hash and cache-lookup spans. Nil (the
// default) leaves Process uninstrumented.
func (p *Processor) SetTelemetry(tp *telemetry.Provider) {
	p.telemetry = tp
}

// Process reads and hashes path, then resolves it against the dedup
// cache for collection. On a cache hit the returned item carries the
// cached embedding, point id and payload (the cached caption travels
// in CachedPayload) and CacheHit=true; on a miss it
// carries raw bytes ready for the GPU Worker.
func (p *Processor) Process(ctx context.Context, collection, path string, size int64) (*types.FileItem, error) {
	if size > p.cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: %s (%d bytes)", ErrTooLarge, path, size)
	}

	var hashSpan trace.Span
	if p.telemetry != nil {
		_, hashSpan = p.telemetry.StartHash(ctx, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if hashSpan != nil {
			telemetry.RecordError(hashSpan, err)
			hashSpan.End()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrDecodeError, path, err)
	}
	if int64(len(data)) > p.cfg.MaxFileSize {
		if hashSpan != nil {
			hashSpan.End()
		}
		return nil, fmt.Errorf("%w: %s (%d bytes)", ErrTooLarge, path, len(data))
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	kind, raw := detectKind(path)
	metadata := baseMetadata(path, size, kind)
	if raw {
		// DNG fast path: RAW-capable decoders are skipped entirely.
		metadata["raw"] = "true"
	} else {
		extractEXIF(data, metadata)
	}
	if hashSpan != nil {
		hashSpan.End()
	}

	item := &types.FileItem{
		Path:     filepath.ToSlash(path),
		Size:     size,
		Kind:     kind,
		Raw:      raw,
		Hash:     hash,
		Metadata: metadata,
	}

	var cacheSpan trace.Span
	cacheCtx := ctx
	if p.telemetry != nil {
		cacheCtx, cacheSpan = p.telemetry.StartCacheLookup(ctx, collection, hash)
	}
	entry, err := p.cache.Get(cacheCtx, collection, hash)
	if cacheSpan != nil {
		cacheSpan.End()
	}
	if err == nil {
		item.CacheHit = true
		item.Embedding = entry.Vector
		item.PointID = entry.PointID
		item.CachedPayload = entry.Payload
		return item, nil
	}
	if !errors.Is(err, dedupcache.ErrNotFound) {
		return nil, fmt.Errorf("cpuproc: dedup cache lookup: %w", err)
	}

	item.Bytes = data
	return item, nil
}

func detectKind(path string) (types.Kind, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".dng":
		return types.KindRaw, true
	case ".jpg", ".jpeg":
		return types.KindJPEG, false
	case ".png":
		return types.KindPNG, false
	default:
		return types.KindOther, false
	}
}

func baseMetadata(path string, size int64, kind types.Kind) map[string]string {
	return map[string]string{
		"filename":  filepath.Base(path),
		"path":      filepath.ToSlash(path),
		"size":      strconv.FormatInt(size, 10),
		"extension": strings.ToLower(filepath.Ext(path)),
		"kind":      string(kind),
	}
}

// extractEXIF attempts best-effort EXIF extraction; a decode failure
// here is never treated as a processing error, since most non-JPEG
// formats simply have no EXIF segment.
func extractEXIF(data []byte, metadata map[string]string) {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return
	}

	fields := map[string]exif.FieldName{
		"camera_make":   exif.Make,
		"camera_model":  exif.Model,
		"lens_model":    exif.LensModel,
		"iso":           exif.ISOSpeedRatings,
		"aperture":      exif.FNumber,
		"shutter_speed": exif.ExposureTime,
		"focal_length":  exif.FocalLength,
	}
	for key, tagName := range fields {
		tag, err := x.Get(tagName)
		if err != nil {
			continue
		}
		metadata[key] = tag.String()
	}
	if tag, err := x.Get(exif.DateTimeOriginal); err == nil {
		if t, err := tag.StringVal(); err == nil {
			metadata["capture_time"] = t
		}
	}
}
