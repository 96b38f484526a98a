// Package stage materializes decompiled dependency sources into a
// project-scoped staging directory ahead of parsing (spec §4.6 step 2).
// Files and Clean go through a billy.Filesystem chrooted to that directory,
// so their walks and removals stay inside it; the decompiler subprocess
// itself is handed Root() and writes there as an ordinary host path.
package stage

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// Dir is a staging area for one dependency archive's decompiled output,
// rooted under a project's working directory.
type Dir struct {
	fs   billy.Filesystem
	root string
}

// New chrooted under root/deps/name, creating it if necessary. name is
// typically derived from the archive's base filename so concurrent
// dependency decompiles land in disjoint subtrees.
func New(root, name string) (*Dir, error) {
	base := osfs.New(root)
	sub, err := base.Chroot(filepath.Join("deps", sanitize(name)))
	if err != nil {
		return nil, fmt.Errorf("stage: chroot %s: %w", name, err)
	}
	if err := sub.MkdirAll("/", 0o755); err != nil {
		return nil, fmt.Errorf("stage: create %s: %w", sub.Root(), err)
	}
	return &Dir{fs: sub, root: sub.Root()}, nil
}

// Root returns the absolute host path of the staging directory, for
// callers (the decompiler subprocess) that need a real filesystem path.
func (d *Dir) Root() string { return d.root }

// Files walks the staging tree and returns the paths of every *.cs file
// found, relative to Root(), in deterministic order.
func (d *Dir) Files() ([]string, error) {
	var out []string
	err := util.Walk(d.fs, "/", func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".cs") {
			out = append(out, strings.TrimPrefix(path, "/"))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stage: walk %s: %w", d.root, err)
	}
	return out, nil
}

// Clean removes every file under the staging directory, leaving the
// directory itself in place for reuse by a later decompile pass.
func (d *Dir) Clean() error {
	if err := util.RemoveAll(d.fs, "/"); err != nil {
		return err
	}
	return d.fs.MkdirAll("/", 0o755)
}

func sanitize(name string) string {
	name = filepath.Base(name)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	if name == "" || name == "." || name == ".." {
		return "dep"
	}
	return name
}
