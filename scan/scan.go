// Package scan finds source documents, decides which of them changed, and
// checks whether a translated output is still fresh.
package scan

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Document is a source file found by Walk.
type Document struct {
	// Path is the file path, joined onto the walk root.
	Path string
	// Rel is Path relative to the walk root, slash-separated.
	Rel string
	// ModTime is the source modification time at scan time. Freshness
	// checks compare outputs against it.
	ModTime time.Time
}

// Name returns the base file name without extension.
func (d Document) Name() string {
	base := filepath.Base(d.Path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Walk returns every regular file under root whose name ends in ext
// (case-insensitive), sorted by path. Directories whose base name is in
// ignore are not descended into. Unreadable subdirectories are logged and
// skipped. A missing root, or one that is not a directory, is logged and
// yields no documents; a root that exists but cannot be read is an error.
func Walk(root string, ignore map[string]bool, ext string, logger log.FieldLogger) ([]Document, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.WithError(err).Warnf("Could not scan directory %s", root)
			return nil, nil
		}
		return nil, fmt.Errorf("reading content directory %s: %w", root, err)
	}
	if !info.IsDir() {
		logger.Warnf("Could not scan directory %s: not a directory", root)
		return nil, nil
	}

	var docs []Document
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			logger.WithError(err).Warnf("Skipping unreadable path %s", path)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root && ignore[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !strings.EqualFold(filepath.Ext(path), ext) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			logger.WithError(err).Warnf("Skipping %s", path)
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		docs = append(docs, Document{
			Path:    path,
			Rel:     filepath.ToSlash(rel),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
	return docs, nil
}

// OutputPath returns where the lang translation of doc is written:
// <doc dir>/<outputDir>/<name>.<lang>.md.
func OutputPath(doc Document, outputDir, lang string) string {
	return filepath.Join(filepath.Dir(doc.Path), outputDir, doc.Name()+"."+lang+filepath.Ext(doc.Path))
}

// IsUpToDate reports whether out exists and was modified strictly after
// doc's modification time as recorded by Walk.
func IsUpToDate(doc Document, out string) bool {
	info, err := os.Stat(out)
	if err != nil {
		return false
	}
	return info.ModTime().After(doc.ModTime)
}
