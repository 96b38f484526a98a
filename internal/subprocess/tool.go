// Package subprocess wraps the external collaborator tools the project
// builder shells out to during a Full-mode init (spec §4.6): a package
// resolver and a decompiler, invoked one at a time, grounded on the
// teacher's exec.Command usage for git log.
package subprocess

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/csharpref/provider/internal/apperr"
)

// Tool is a validated external executable.
type Tool struct {
	Name string
	Path string
}

// Validate checks that path exists and is executable, returning
// apperr.ToolMissing(name) otherwise (spec §4.6 step 1).
func Validate(name, path string) (Tool, error) {
	if path == "" {
		return Tool{}, apperr.ToolMissing(name)
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return Tool{}, apperr.ToolMissing(name)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return Tool{}, apperr.ToolMissing(name)
	}
	return Tool{Name: name, Path: path}, nil
}

// Resolver invokes the package resolver tool in a project root.
type Resolver struct {
	tool Tool
}

// NewResolver validates path and wraps it as a Resolver.
func NewResolver(path string) (*Resolver, error) {
	t, err := Validate("resolver", path)
	if err != nil {
		return nil, err
	}
	return &Resolver{tool: t}, nil
}

// Resolve runs the resolver with root as its working directory. The
// contract with the external tool is one produced archive path per line
// of stdout; resolver failure is fatal to init (spec §4.6 step 2).
func (r *Resolver) Resolve(ctx context.Context, root string) ([]string, error) {
	cmd := exec.CommandContext(ctx, r.tool.Path)
	cmd.Dir = root
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, &apperr.SubprocessFailed{Cmd: r.tool.Path, Stderr: stderr.String()}
	}
	return splitNonEmptyLines(out.String()), nil
}

// Decompiler invokes the decompiler tool against one archive at a time.
type Decompiler struct {
	tool Tool
}

// NewDecompiler validates path and wraps it as a Decompiler.
func NewDecompiler(path string) (*Decompiler, error) {
	t, err := Validate("decompiler", path)
	if err != nil {
		return nil, err
	}
	return &Decompiler{tool: t}, nil
}

// ManifestEntry names one file the decompiler produced and the archive it
// came from, as recorded in the manifest.json the decompiler writes into
// its output directory (spec §4.8 decompile-manifest expansion).
type ManifestEntry struct {
	File          string `json:"file"`
	OriginArchive string `json:"origin_archive"`
}

// Decompile materializes archive's sources into destDir and returns the
// manifest.json entries found there, if any. Unlike resolver failure, a
// single archive's decompile failure is not fatal to the whole init — the
// caller logs and skips it (spec §4.6 step 2) — so this just reports the
// error for the caller to decide. A missing or unreadable manifest is not
// an error: it is an enrichment beyond the required syntax_type/source_type
// pair, not a contract the decompiler is required to honor.
func (d *Decompiler) Decompile(ctx context.Context, archive, destDir string) ([]ManifestEntry, error) {
	cmd := exec.CommandContext(ctx, d.tool.Path, archive, destDir)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, &apperr.SubprocessFailed{Cmd: d.tool.Path, Stderr: stderr.String()}
	}
	return readManifest(destDir), nil
}

func readManifest(destDir string) []ManifestEntry {
	data, err := os.ReadFile(filepath.Join(destDir, "manifest.json"))
	if err != nil {
		return nil
	}
	var entries []ManifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil
	}
	return entries
}

func splitNonEmptyLines(s string) []string {
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(s))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
