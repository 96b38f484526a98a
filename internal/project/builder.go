package project

import (
	"context"
	"fmt"
	"hash/fnv"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/smacker/go-tree-sitter/csharp"

	humanize "github.com/dustin/go-humanize"

	"github.com/csharpref/provider/internal/apperr"
	"github.com/csharpref/provider/internal/graph"
	"github.com/csharpref/provider/internal/partialpath"
	"github.com/csharpref/provider/internal/persist"
	"github.com/csharpref/provider/internal/rules"
	"github.com/csharpref/provider/internal/stage"
	"github.com/csharpref/provider/internal/subprocess"
	"github.com/csharpref/provider/internal/syntax"
)

// Mode mirrors api.AnalysisMode without importing the wire package, keeping
// this package usable independent of the RPC layer.
type Mode string

const (
	SourceOnly Mode = "source-only"
	Full       Mode = "full"
)

// Options configures one Init call (spec §4.6).
type Options struct {
	Root           string
	Mode           Mode
	ResolverPath   string
	DecompilerPath string
	DBPath         string
	StageRoot      string
	CacheSize      int
}

// Builder runs the Init pipeline against a Slot, publishing the resulting
// sealed graph as the new active project on success.
type Builder struct {
	slot *Slot
	log  *log.Logger
}

// NewBuilder wraps slot with the project builder's logging prefix, matching
// the teacher's per-component log.Printf convention in ingest/engine.go.
func NewBuilder(slot *Slot) *Builder {
	return &Builder{slot: slot, log: log.New(os.Stderr, "project: ", log.LstdFlags)}
}

// Run executes one full Init call (spec §4.6 steps 1-5).
func (b *Builder) Run(ctx context.Context, opts Options) error {
	start := time.Now()

	lang := csharp.GetLanguage()
	ruleSet, err := rules.Default()
	if err != nil {
		return fmt.Errorf("project: load rules: %w", err)
	}
	evaluator, err := rules.NewEvaluator(ruleSet, lang)
	if err != nil {
		return fmt.Errorf("project: compile rules: %w", err)
	}
	defer evaluator.Close()

	var stageDirs []*stage.Dir
	var origins map[string]string
	if opts.Mode == Full {
		dirs, o, err := b.resolveAndDecompile(ctx, opts)
		if err != nil {
			return err
		}
		stageDirs = dirs
		origins = o
	}

	files, err := discoverSources(opts.Root, stageDirs, origins)
	if err != nil {
		return fmt.Errorf("project: discover sources: %w", err)
	}

	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = "/tmp/c_sharp_provider.db"
	}
	store, err := persist.Open(dbPath)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", apperr.ErrPersistenceIO, dbPath, err)
	}
	cacheSize := opts.CacheSize
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := persist.NewCache(store, cacheSize)
	if err != nil {
		store.Close()
		return fmt.Errorf("%w: %v", apperr.ErrPersistenceIO, err)
	}

	g := graph.New()
	var indexed, reused int
	var totalBytes int64

	for _, f := range files {
		select {
		case <-ctx.Done():
			cache.Close()
			return ctx.Err()
		default:
		}

		src, err := os.ReadFile(f.path)
		if err != nil {
			b.log.Printf("skip %s: %v", f.path, err)
			continue
		}
		totalBytes += int64(len(src))
		hash := contentHash(src)

		fh, err := g.BeginFile(f.path, f.sourceType)
		if err != nil {
			cache.Close()
			return fmt.Errorf("project: begin file %s: %w", f.path, err)
		}

		if ok, err := cache.Rehydrate(g, f.path, hash); err != nil {
			b.log.Printf("rehydrate %s: %v (re-indexing)", f.path, err)
		} else if ok {
			reused++
			continue
		}

		if err := b.indexFile(ctx, evaluator, g, fh, f, src, hash, cache); err != nil {
			b.log.Printf("index %s: %v (skipping)", f.path, err)
			continue
		}
		indexed++
	}

	if err := g.ValidateInvariants(); err != nil {
		cache.Close()
		return fmt.Errorf("%w: %v", apperr.ErrGraphCorrupt, err)
	}

	b.slot.Publish(g, cache, opts.Root, string(opts.Mode))
	b.log.Printf("indexed %d files (%d reused from cache), %s in %s",
		indexed, reused, humanize.Bytes(uint64(totalBytes)), time.Since(start).Round(time.Millisecond))
	return nil
}

func (b *Builder) indexFile(ctx context.Context, ev *rules.Evaluator, g *graph.Graph, fh graph.FileHandle, f sourceFile, src []byte, hash uint64, cache *persist.Cache) error {
	tree, err := syntax.Parse(ctx, f.path, src)
	if err != nil {
		return err
	}
	if err := ev.Emit(tree, fh, g); err != nil {
		return fmt.Errorf("emit: %w", err)
	}
	if f.originArchive != "" {
		if err := g.SetFileAttr(fh, graph.AttrOriginArchive, f.originArchive); err != nil {
			return fmt.Errorf("tag origin archive: %w", err)
		}
	}
	if err := g.FinishFile(fh, hash, graph.Span{Start: 0, End: uint32(len(src))}); err != nil {
		return fmt.Errorf("finish file: %w", err)
	}
	paths, err := partialpath.Solve(g, fh)
	if err != nil {
		return fmt.Errorf("solve partial paths: %w", err)
	}
	if err := cache.Save(g, fh, paths); err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	return nil
}

// resolveAndDecompile runs spec §4.6 step 2: resolver failure is fatal,
// a single archive's decompile failure is logged and skipped. The
// returned map associates each staged dependency file's absolute path
// with the archive it was decompiled from, per the decompiler's
// manifest.json (spec §4.8 decompile-manifest expansion); an archive
// whose manifest is missing or silent about a file simply has no entry.
func (b *Builder) resolveAndDecompile(ctx context.Context, opts Options) ([]*stage.Dir, map[string]string, error) {
	resolver, err := subprocess.NewResolver(opts.ResolverPath)
	if err != nil {
		return nil, nil, err
	}
	archives, err := resolver.Resolve(ctx, opts.Root)
	if err != nil {
		return nil, nil, err
	}

	decompiler, err := subprocess.NewDecompiler(opts.DecompilerPath)
	if err != nil {
		return nil, nil, err
	}

	stageRoot := opts.StageRoot
	if stageRoot == "" {
		stageRoot = filepath.Join(opts.Root, ".csharpref-deps")
	}

	var dirs []*stage.Dir
	origins := make(map[string]string)
	for _, archive := range archives {
		dir, err := stage.New(stageRoot, filepath.Base(archive))
		if err != nil {
			b.log.Printf("stage %s: %v (skipping)", archive, err)
			continue
		}
		entries, err := decompiler.Decompile(ctx, archive, dir.Root())
		if err != nil {
			b.log.Printf("decompile %s: %v (skipping)", archive, err)
			continue
		}
		for _, e := range entries {
			origins[filepath.Join(dir.Root(), e.File)] = e.OriginArchive
		}
		dirs = append(dirs, dir)
	}
	return dirs, origins, nil
}

type sourceFile struct {
	path          string
	sourceType    string
	originArchive string
}

// discoverSources walks root for project *.cs files and every staged
// dependency directory for its decompiled *.cs files (spec §4.6 step 3),
// tagging each dependency file with its manifest-reported origin archive
// when origins names it.
func discoverSources(root string, stageDirs []*stage.Dir, origins map[string]string) ([]sourceFile, error) {
	var out []sourceFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".csharpref-deps" || d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".cs") {
			out = append(out, sourceFile{path: path, sourceType: graph.SourceValueSource})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, dir := range stageDirs {
		files, err := dir.Files()
		if err != nil {
			return nil, err
		}
		for _, rel := range files {
			path := filepath.Join(dir.Root(), rel)
			out = append(out, sourceFile{
				path:          path,
				sourceType:    graph.SourceValueDependency,
				originArchive: origins[path],
			})
		}
	}
	return out, nil
}

func contentHash(src []byte) uint64 {
	h := fnv.New64a()
	h.Write(src)
	return h.Sum64()
}
