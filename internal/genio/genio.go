// Package genio lands generated files on disk. A YAML rules file
// decides which paths the generation service may touch, and the writer
// places contents atomically under a single output root so a crashed
// sync never leaves half-written files.
package genio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"flowlab/internal/codegen"
)

// DefaultMaxFileBytes caps one generated file unless the rules say
// otherwise.
const DefaultMaxFileBytes = 1 << 20

// Rules filters the paths a sync is allowed to write. Deny wins over
// allow; an empty allow list admits everything not denied.
type Rules struct {
	Allow        []string `yaml:"allow"`
	Deny         []string `yaml:"deny"`
	MaxFileBytes int64    `yaml:"max_file_bytes"`
}

// DefaultRules admits every local path up to the default size cap.
func DefaultRules() *Rules {
	return &Rules{MaxFileBytes: DefaultMaxFileBytes}
}

// LoadRules reads a rules file. A missing file yields DefaultRules so a
// bare setup works without configuration.
func LoadRules(path string) (*Rules, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultRules(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading rules %s: %w", path, err)
	}

	r := DefaultRules()
	if err := yaml.Unmarshal(raw, r); err != nil {
		return nil, fmt.Errorf("parsing rules %s: %w", path, err)
	}
	if r.MaxFileBytes <= 0 {
		r.MaxFileBytes = DefaultMaxFileBytes
	}

	for _, pat := range append(append([]string{}, r.Allow...), r.Deny...) {
		if !doublestar.ValidatePattern(pat) {
			return nil, fmt.Errorf("rules %s: invalid pattern %q", path, pat)
		}
	}
	return r, nil
}

// Allows reports whether a slash-separated relative path passes the
// rules.
func (r *Rules) Allows(path string) bool {
	for _, pat := range r.Deny {
		if ok, _ := doublestar.Match(pat, path); ok {
			return false
		}
	}
	if len(r.Allow) == 0 {
		return true
	}
	for _, pat := range r.Allow {
		if ok, _ := doublestar.Match(pat, path); ok {
			return true
		}
	}
	return false
}

// Writer materializes generated files under one output root.
type Writer struct {
	root  string
	rules *Rules
}

// NewWriter writes under root, filtered by rules. Nil rules means
// DefaultRules.
func NewWriter(root string, rules *Rules) *Writer {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Writer{root: root, rules: rules}
}

// WriteResult lists what one sync's write pass did. Skipped paths
// failed the rules or the path-safety checks; they are reported, not
// fatal.
type WriteResult struct {
	Written []string
	Skipped []string
}

// Write lands each file atomically: contents go to a temp file in the
// target directory, then rename into place. The first I/O error aborts
// and returns the partial result.
func (w *Writer) Write(files []codegen.GeneratedFile) (WriteResult, error) {
	var res WriteResult
	for _, f := range files {
		rel := strings.TrimPrefix(f.Path, "./")
		if !safePath(rel) || !w.rules.Allows(rel) {
			res.Skipped = append(res.Skipped, f.Path)
			continue
		}
		if int64(len(f.Contents)) > w.rules.MaxFileBytes {
			res.Skipped = append(res.Skipped, f.Path)
			continue
		}

		dst := filepath.Join(w.root, filepath.FromSlash(rel))
		if err := writeAtomic(dst, []byte(f.Contents)); err != nil {
			return res, fmt.Errorf("writing %s: %w", rel, err)
		}
		res.Written = append(res.Written, rel)
	}
	return res, nil
}

// safePath accepts only relative paths that stay inside the root.
func safePath(p string) bool {
	if p == "" || strings.Contains(p, "\x00") {
		return false
	}
	return filepath.IsLocal(filepath.FromSlash(p))
}

func writeAtomic(dst string, contents []byte) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".flowlab-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(contents); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
