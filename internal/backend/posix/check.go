package posix

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// Report summarizes a consistency check of the directory tree.
type Report struct {
	Containers int      `json:"containers"`
	Datasets   int      `json:"datasets"`
	Fragments  int      `json:"fragments"`
	Problems   []string `json:"problems,omitempty"`
}

// OK reports whether the check found no problems.
func (r *Report) OK() bool { return len(r.Problems) == 0 }

func (r *Report) problemf(format string, args ...any) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// Check verifies that the layout directories exist and that every
// container and dataset record has its directory. Leftover temporary files
// from interrupted writes are reported as well.
func (b *Backend) Check(ctx context.Context) (*Report, error) {
	r := &Report{}
	for _, dir := range []string{dirContainers, dirSharedDatasets, dirSharedFragments} {
		if ok, err := afero.DirExists(b.fs, dir); err != nil {
			return nil, mapErr(err)
		} else if !ok {
			r.problemf("missing directory %s", dir)
		}
	}
	if !r.OK() {
		return r, nil
	}

	entries, err := afero.ReadDir(b.fs, dirContainers)
	if err != nil {
		return nil, mapErr(err)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		switch {
		case strings.HasPrefix(name, ".tmp-"):
			r.problemf("stale temporary file %s", path.Join(dirContainers, name))
		case !e.IsDir() && strings.HasSuffix(name, metadataSuffix):
			r.Containers++
			container := strings.TrimSuffix(name, metadataSuffix)
			if ok, _ := afero.DirExists(b.fs, containerDir(container)); !ok {
				r.problemf("container %q has no directory", container)
			}
		case e.IsDir():
			if err := b.checkContainer(ctx, name, r); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

func (b *Backend) checkContainer(ctx context.Context, container string, r *Report) error {
	entries, err := afero.ReadDir(b.fs, containerDir(container))
	if err != nil {
		return mapErr(err)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := e.Name()
		switch {
		case strings.HasPrefix(name, ".tmp-"):
			r.problemf("stale temporary file %s", path.Join(containerDir(container), name))
		case !e.IsDir() && strings.HasSuffix(name, metadataSuffix):
			r.Datasets++
			dataset := strings.TrimSuffix(name, metadataSuffix)
			if ok, _ := afero.DirExists(b.fs, datasetDir(container, dataset)); !ok {
				r.problemf("dataset %q has no directory", container+"/"+dataset)
			}
		case e.IsDir():
			files, err := afero.ReadDir(b.fs, datasetDir(container, name))
			if err != nil {
				return mapErr(err)
			}
			for _, f := range files {
				if strings.HasPrefix(f.Name(), ".tmp-") {
					r.problemf("stale temporary file %s", path.Join(datasetDir(container, name), f.Name()))
					continue
				}
				if !f.IsDir() {
					r.Fragments++
				}
			}
		}
	}
	return nil
}
