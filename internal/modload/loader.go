// Package modload reads script files below a worker's root directory and
// turns them into source the engines can evaluate, using esbuild for
// TypeScript and ES module syntax.
package modload

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

// ErrNotFound is returned when no file matches a requested path.
var ErrNotFound = errors.New("module not found")

// ErrOutsideRoot is returned for paths that escape the root directory.
var ErrOutsideRoot = errors.New("path escapes worker root")

// extensions are tried in order when a path has none.
var extensions = []string{"", ".js", ".mjs", ".cjs", ".ts", "/index.js", "/index.ts"}

// Loader resolves and prepares modules below Root.
type Loader struct {
	Root      string
	Transpile bool // run ESM and TypeScript sources through esbuild
}

// New returns a Loader for root.
func New(root string, transpile bool) *Loader {
	if root == "" {
		root = "."
	}
	return &Loader{Root: root, Transpile: transpile}
}

// Resolve maps a slash-separated path relative to the root onto a file,
// trying the usual script extensions. It returns the cleaned relative path
// and the absolute file name.
func (l *Loader) Resolve(p string) (rel, abs string, err error) {
	clean := path.Clean(strings.TrimLeft(filepath.ToSlash(p), "/"))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}
	if clean == "." || clean == "" {
		return "", "", fmt.Errorf("%w: %q", ErrNotFound, p)
	}
	rel = clean

	rootAbs, err := filepath.Abs(l.Root)
	if err != nil {
		return "", "", fmt.Errorf("resolving root: %w", err)
	}
	for _, ext := range extensions {
		candidate := filepath.Join(rootAbs, filepath.FromSlash(rel+ext))
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		if real, err := filepath.EvalSymlinks(candidate); err == nil {
			realRoot, rerr := filepath.EvalSymlinks(rootAbs)
			if rerr == nil && !within(realRoot, real) {
				return "", "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
			}
		}
		return rel + ext, candidate, nil
	}
	return "", "", fmt.Errorf("%w: %s", ErrNotFound, p)
}

// Load reads the module at p and returns it wrapped as a function
// expression with the parameters (exports, module, require, __dirname).
func (l *Loader) Load(p string) (string, error) {
	rel, abs, err := l.Resolve(p)
	if err != nil {
		return "", err
	}
	src, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return "", fmt.Errorf("reading %s: %w", rel, err)
	}
	code, err := l.Prepare(rel, string(src))
	if err != nil {
		return "", err
	}
	return Wrap(rel, code), nil
}

// Prepare transpiles source to CommonJS when it is TypeScript or uses ES
// module syntax and transpiling is enabled. Other sources pass through.
func (l *Loader) Prepare(name, source string) (string, error) {
	isTS := strings.HasSuffix(name, ".ts")
	if !l.Transpile || (!isTS && !NeedsTransform(source)) {
		return source, nil
	}
	loader := esbuild.LoaderJS
	if isTS {
		loader = esbuild.LoaderTS
	}
	result := esbuild.Transform(source, esbuild.TransformOptions{
		Loader:     loader,
		Format:     esbuild.FormatCommonJS,
		Target:     esbuild.ES2020,
		Sourcefile: name,
	})
	if len(result.Errors) > 0 {
		return "", fmt.Errorf("transforming %s: %s", name, joinMessages(result.Errors))
	}
	return string(result.Code), nil
}

// Bundle bundles the entry point at p with everything it imports into a
// single script that runs as a plain function body.
func (l *Loader) Bundle(p string) (string, error) {
	_, abs, err := l.Resolve(p)
	if err != nil {
		return "", err
	}
	rootAbs, err := filepath.Abs(l.Root)
	if err != nil {
		return "", fmt.Errorf("resolving root: %w", err)
	}
	result := esbuild.Build(esbuild.BuildOptions{
		EntryPoints:   []string{abs},
		AbsWorkingDir: rootAbs,
		Bundle:        true,
		Format:        esbuild.FormatIIFE,
		Write:         false,
		Platform:      esbuild.PlatformNeutral,
		Target:        esbuild.ES2020,
		TreeShaking:   esbuild.TreeShakingFalse,
	})
	if len(result.Errors) > 0 {
		return "", fmt.Errorf("bundling %s: %s", p, joinMessages(result.Errors))
	}
	if len(result.OutputFiles) == 0 {
		return "", fmt.Errorf("bundling %s produced no output", p)
	}
	return string(result.OutputFiles[0].Contents), nil
}

// Wrap turns module source into a function expression. The trailing
// newline keeps a final line comment from swallowing the closing brace.
func Wrap(name, source string) string {
	return "(function (exports, module, require, __dirname) {\n" + source +
		"\n})\n//# sourceURL=" + name + "\n"
}

// NeedsTransform reports whether source looks like it uses ES module
// syntax.
func NeedsTransform(source string) bool {
	for _, line := range strings.Split(source, "\n") {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "import ") || strings.HasPrefix(t, "import{") ||
			strings.HasPrefix(t, "export ") || strings.HasPrefix(t, "export{") {
			return true
		}
	}
	return false
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func joinMessages(msgs []esbuild.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.Text)
	}
	return strings.Join(parts, "; ")
}
