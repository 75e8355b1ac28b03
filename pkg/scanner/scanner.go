// Package scanner implements the IO Scanner: it walks a source
// directory and streams candidate image paths to a callback, never
// materializing the full file list.
package scanner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// imageExtensions is the canonical definition of "image" for this
// pipeline, per spec §4.2.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".gif":  true,
	".webp": true,
	".heic": true,
	".dng":  true,
}

// IsImage reports whether path's extension is one this pipeline treats
// as an image, case-insensitively.
func IsImage(path string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}

// OnPath is called once per yielded candidate path.
type OnPath func(path string, size int64)

// Scan walks source recursively, invoking onPath for every file whose
// extension matches the image set. Unreadable subdirectories are
// skipped rather than aborting the walk. Scan returns when the walk
// completes or ctx is cancelled.
func Scan(ctx context.Context, source string, onPath OnPath) error {
	return filepath.WalkDir(source, func(path string, d os.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if d != nil && d.IsDir() {
				// Unreadable subdirectory: log-worthy at the caller,
				// but not fatal to the walk.
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !IsImage(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		onPath(filepath.ToSlash(path), info.Size())
		return nil
	})
}
