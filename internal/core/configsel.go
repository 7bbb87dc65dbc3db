package core

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/barysiuk/subspack/internal/ctxlog"
)

const configExt = ".yaml"

// FileClass is a named family of configuration files, recognized purely by
// the shape of their basename: "<Prefix>*.yaml".
type FileClass struct {
	Name   string
	Prefix string
}

// Matches reports whether a basename belongs to the class.
func (c FileClass) Matches(name string) bool {
	return strings.HasPrefix(name, c.Prefix) && strings.HasSuffix(name, configExt)
}

// Declared configuration file classes. No prefix is a prefix of another, so
// a basename belongs to at most one class.
var (
	ClassBootstrap = FileClass{Name: "bootstrap", Prefix: "bootstrap"}
	ClassPackages  = FileClass{Name: "packages", Prefix: "packages"}
	ClassCompilers = FileClass{Name: "compilers", Prefix: "compilers"}
	ClassMirrors   = FileClass{Name: "mirrors", Prefix: "mirrors"}
	ClassIncludes  = FileClass{Name: "includes", Prefix: "include"}
	ClassConfig    = FileClass{Name: "config", Prefix: "config"}
)

// FileClasses returns the classes copied into a new instance. Mirror
// definitions point at caches and are left out unless includeMirrors is set.
func FileClasses(includeMirrors bool) []FileClass {
	classes := []FileClass{ClassBootstrap, ClassPackages, ClassCompilers}
	if includeMirrors {
		classes = append(classes, ClassMirrors)
	}
	return append(classes, ClassIncludes, ClassConfig)
}

// Classify returns the class of a basename among classes.
func Classify(name string, classes []FileClass) (FileClass, bool) {
	for _, c := range classes {
		if c.Matches(name) {
			return c, true
		}
	}
	return FileClass{}, false
}

// ConfigFile is a matching configuration file, relative to the root of
// the installation it was found in.
type ConfigFile struct {
	Rel   string
	Class FileClass
}

// SelectConfigFiles walks the source configuration tree and returns every
// regular file whose basename falls into one of classes.
func SelectConfigFiles(source Layout, classes []FileClass) ([]ConfigFile, error) {
	var out []ConfigFile
	err := filepath.WalkDir(source.ConfigDir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == source.ConfigDir() {
				return filepath.SkipDir
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		class, ok := Classify(d.Name(), classes)
		if !ok {
			return nil
		}
		rel, err := filepath.Rel(source.Root, path)
		if err != nil {
			return err
		}
		out = append(out, ConfigFile{Rel: rel, Class: class})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", source.ConfigDir(), err)
	}
	return out, nil
}

// SelectAndCopy copies the selected configuration files from the source
// installation into dest, keeping their paths relative to the root. The
// files travel as one archive stream and are never parsed.
func SelectAndCopy(ctx context.Context, source, dest Layout, includeMirrors bool) ([]Action, error) {
	files, err := SelectConfigFiles(source, FileClasses(includeMirrors))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}

	var archive bytes.Buffer
	if err := packFiles(&archive, source.Root, files); err != nil {
		return nil, fmt.Errorf("archiving configuration: %w", err)
	}

	classOf := make(map[string]FileClass, len(files))
	for _, f := range files {
		classOf[filepath.ToSlash(f.Rel)] = f.Class
	}

	log := ctxlog.FromContext(ctx)
	var actions []Action
	err = unpackFiles(&archive, dest.Root, func(rel, path string, existed bool) {
		outcome := OutcomeCreated
		if existed {
			outcome = OutcomeUpdated
		}
		log.Debug("copied configuration", "file", rel, "class", classOf[rel].Name)
		actions = append(actions, Action{Stage: StageConfig, Path: path, Outcome: outcome, Detail: classOf[rel].Name})
	})
	if err != nil {
		return actions, fmt.Errorf("extracting configuration: %w", err)
	}
	return actions, nil
}

func packFiles(w io.Writer, root string, files []ConfigFile) error {
	tw := tar.NewWriter(w)
	for _, f := range files {
		path := filepath.Join(root, f.Rel)
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(f.Rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, src)
		_ = src.Close()
		if err != nil {
			return err
		}
	}
	return tw.Close()
}

func unpackFiles(r io.Reader, root string, done func(rel, path string, existed bool)) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		target := filepath.Join(root, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(root)+string(filepath.Separator)) {
			return fmt.Errorf("archive entry %q escapes %s", hdr.Name, root)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		existed := pathExists(target)
		dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, hdr.FileInfo().Mode().Perm())
		if err != nil {
			return err
		}
		_, err = io.Copy(dst, tr)
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		done(hdr.Name, target, existed)
	}
}

// EnsureBaseScope creates the empty "base" scope directory of dest.
func EnsureBaseScope(dest Layout) (Action, error) {
	dir := dest.BaseScopeDir()
	if dirExists(dir) {
		return Action{Stage: StageConfig, Path: dir, Outcome: OutcomeSkipped, Detail: "base scope exists"}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Action{}, fmt.Errorf("creating base scope: %w", err)
	}
	return Action{Stage: StageConfig, Path: dir, Outcome: OutcomeCreated, Detail: "base scope"}, nil
}

// RederiveBootstrapRoot points the new instance's bootstrap store at the
// source's, when the source configures one. The setting is applied by the
// new instance's own command surface. Failure is reported but not fatal.
func RederiveBootstrapRoot(ctx context.Context, tc *Toolchain, source Layout, settings Settings) (Action, bool) {
	root := settings.String("bootstrap:root", "")
	if root == "" {
		return Action{}, false
	}
	root = canonicalizePath(source, root)

	if err := tc.SetBootstrapRoot(ctx, root); err != nil {
		ctxlog.FromContext(ctx).Warn("could not set bootstrap root", "root", root, "error", err)
		return Action{Stage: StageConfig, Path: root, Outcome: OutcomeFailed, Detail: "bootstrap root: " + err.Error()}, true
	}
	return Action{Stage: StageConfig, Path: root, Outcome: OutcomeUpdated, Detail: "bootstrap root"}, true
}
