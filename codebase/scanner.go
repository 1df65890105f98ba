package codebase

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultExtensions are the artifact types considered part of a code base.
var DefaultExtensions = []string{".class", ".jar", ".java"}

// Snapshot is the result of one metadata scan.
type Snapshot struct {
	Fingerprint Fingerprint
	Files       []FileMetadata // sorted by Path
}

// Inventory is the signature listing uploaded by the code base publisher.
type Inventory struct {
	Fingerprint string   `json:"fingerprint"`
	Files       int      `json:"files"`
	Signatures  []string `json:"signatures"`
}

// Scanner walks the configured roots.
type Scanner struct {
	Roots      []string
	Extensions []string // lowercase, with dot; empty = every regular file
	Exclude    []string // base-name prefixes skipped (files and directories)
	Extractors []SignatureExtractor
}

// NewScanner creates a scanner with the default extensions and the Java source extractor.
func NewScanner(roots ...string) *Scanner {
	return &Scanner{
		Roots:      roots,
		Extensions: DefaultExtensions,
		Exclude:    []string{".git", ".idea"},
		Extractors: []SignatureExtractor{JavaSourceExtractor{}},
	}
}

// Scan walks all roots and fingerprints the matching files. Only metadata is read.
func (s *Scanner) Scan(ctx context.Context) (Snapshot, error) {
	if len(s.Roots) == 0 {
		return Snapshot{}, errors.New("no code base roots configured")
	}

	exts := make(map[string]struct{}, len(s.Extensions))
	for _, e := range s.Extensions {
		exts[strings.ToLower(e)] = struct{}{}
	}

	var files []FileMetadata
	seen := make(map[string]struct{})
	for _, root := range s.Roots {
		root = filepath.Clean(root)
		if _, err := os.Stat(root); err != nil {
			return Snapshot{}, fmt.Errorf("code base root %s: %w", root, err)
		}
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				// Unreadable entries are skipped, the rest of the tree still counts.
				return nil
			}
			if path != root && s.excluded(d.Name()) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.Type()&fs.ModeSymlink != 0 || d.IsDir() {
				return nil
			}
			if len(exts) > 0 {
				if _, ok := exts[strings.ToLower(filepath.Ext(path))]; !ok {
					return nil
				}
			}
			info, err := d.Info()
			if err != nil || !info.Mode().IsRegular() {
				return nil
			}
			p := filepath.ToSlash(path)
			// Overlapping roots must not count a file twice.
			if _, dup := seen[p]; dup {
				return nil
			}
			seen[p] = struct{}{}
			files = append(files, FileMetadata{
				Path:          p,
				Size:          info.Size(),
				ModTimeMillis: info.ModTime().UnixMilli(),
			})
			return nil
		})
		if err != nil {
			return Snapshot{}, fmt.Errorf("walk %s: %w", root, err)
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	b := NewBuilder()
	for _, f := range files {
		b.Record(f)
	}
	return Snapshot{Fingerprint: b.Build(), Files: files}, nil
}

func (s *Scanner) excluded(base string) bool {
	for _, prefix := range s.Exclude {
		if prefix != "" && strings.HasPrefix(base, prefix) {
			return true
		}
	}
	return false
}

// Inventory extracts the signatures of every file in snap that an extractor
// supports. Signatures not starting with one of prefixes are dropped
// (empty prefixes = keep all).
func (s *Scanner) Inventory(ctx context.Context, snap Snapshot, prefixes []string) (Inventory, error) {
	set := make(map[string]struct{})
	for _, f := range snap.Files {
		if err := ctx.Err(); err != nil {
			return Inventory{}, err
		}
		ext := strings.ToLower(filepath.Ext(f.Path))
		extractor := s.extractorFor(ext)
		if extractor == nil {
			continue
		}
		data, err := os.ReadFile(filepath.FromSlash(f.Path))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue // deleted since the scan; the next scan will notice
			}
			return Inventory{}, fmt.Errorf("read %s: %w", f.Path, err)
		}
		for _, sig := range extractor.Extract(f.Path, data) {
			if hasAnyPrefix(sig, prefixes) {
				set[sig] = struct{}{}
			}
		}
	}

	sigs := make([]string, 0, len(set))
	for sig := range set {
		sigs = append(sigs, sig)
	}
	sort.Strings(sigs)

	return Inventory{
		Fingerprint: snap.Fingerprint.String(),
		Files:       len(snap.Files),
		Signatures:  sigs,
	}, nil
}

func (s *Scanner) extractorFor(ext string) SignatureExtractor {
	for _, e := range s.Extractors {
		if e.Supports(ext) {
			return e
		}
	}
	return nil
}

func hasAnyPrefix(s string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
