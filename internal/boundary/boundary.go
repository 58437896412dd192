// Package boundary checks, at the source level, that only sanctioned packages
// import the raw store. Application code has to go through the gate.
package boundary

import (
	"bufio"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Rule restricts who may import Import. Allowed entries are directories
// relative to the module root; a trailing "/..." allows the whole subtree.
type Rule struct {
	Import  string
	Allowed []string
}

// DefaultRules guards the store package.
var DefaultRules = []Rule{{
	Import: "internal/store",
	Allowed: []string{
		"internal/store",
		"internal/gate",
		"internal/verify",
		"internal/seal",
		"internal/api",
		"internal/app",
		"cmd/...",
	},
}}

// Finding is a forbidden import.
type Finding struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Dir    string `json:"dir"`
	Import string `json:"import"`
}

func (f Finding) String() string {
	return fmt.Sprintf("%s:%d: %s may not import %s; go through internal/gate", f.File, f.Line, f.Dir, f.Import)
}

// skipDirs are never descended into.
var skipDirs = map[string]bool{"vendor": true, "testdata": true, "node_modules": true}

// Check walks every non-test Go file under root and reports imports that
// break rules. root must contain go.mod.
func Check(root string, rules []Rule) ([]Finding, error) {
	module, err := ModulePath(filepath.Join(root, "go.mod"))
	if err != nil {
		return nil, err
	}

	var findings []Finding
	fset := token.NewFileSet()
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && (skipDirs[name] || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			return nil
		}

		f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		rel, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil {
			return err
		}
		dir := filepath.ToSlash(rel)

		for _, imp := range f.Imports {
			ip, err := strconv.Unquote(imp.Path.Value)
			if err != nil {
				continue
			}
			for _, r := range rules {
				if ip != module+"/"+r.Import || allowed(dir, r.Allowed) {
					continue
				}
				findings = append(findings, Finding{
					File:   filepath.ToSlash(filepath.Join(rel, name)),
					Line:   fset.Position(imp.Pos()).Line,
					Dir:    dir,
					Import: ip,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].File == findings[j].File {
			return findings[i].Line < findings[j].Line
		}
		return findings[i].File < findings[j].File
	})
	return findings, nil
}

func allowed(dir string, patterns []string) bool {
	for _, p := range patterns {
		if prefix, ok := strings.CutSuffix(p, "/..."); ok {
			if dir == prefix || strings.HasPrefix(dir, prefix+"/") {
				return true
			}
			continue
		}
		if dir == p {
			return true
		}
	}
	return false
}

// ModulePath reads the module directive from a go.mod file.
func ModulePath(gomod string) (string, error) {
	f, err := os.Open(gomod)
	if err != nil {
		return "", fmt.Errorf("open go.mod: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if rest, ok := strings.CutPrefix(line, "module"); ok {
			return strings.Trim(strings.TrimSpace(rest), `"`), nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", errors.New("go.mod has no module directive")
}
