// Package seed builds the initial pool document for a domain by scanning
// the video corpus. Seeding happens once per domain, before any broker
// serves it; the corpus membership is fixed from then on and tasks only
// migrate between the two pools.
package seed

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/annolab/annobroker/internal/lock"
	"github.com/annolab/annobroker/internal/model"
	"github.com/annolab/annobroker/internal/store"
)

// reannoSegment marks corpus paths holding human-reannotation videos.
const reannoSegment = "reanno"

// Build scans <root>/<videos_dir>/<domain> and returns the pool document.
// Every *.mp4 file becomes one unassigned task; files under a "reanno"
// path segment carry the human-reannotation origin. A sibling .npz file is
// recorded as the machine annotation ref when present. WalkDir's lexical
// order makes the insertion order, and therefore advance order,
// deterministic.
func Build(root string, cfg model.Config, domain model.Domain) (*model.PoolDocument, error) {
	corpusDir := filepath.Join(root, cfg.VideosDir(), string(domain))
	if _, err := os.Stat(corpusDir); err != nil {
		return nil, fmt.Errorf("corpus dir %s: %w", corpusDir, err)
	}

	doc := &model.PoolDocument{
		SchemaVersion: model.PoolSchemaVersion,
		Domain:        domain,
	}

	err := filepath.WalkDir(corpusDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".mp4") {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		origin := model.OriginFresh
		for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
			if seg == reannoSegment {
				origin = model.OriginReanno
				break
			}
		}

		task := model.Task{
			VideoPath: rel,
			OutputRef: outputRef(cfg, domain, corpusDir, path, root),
			Origin:    origin,
		}

		// Machine annotation sits next to the video as <name>.npz.
		priorPath := strings.TrimSuffix(path, ".mp4") + ".npz"
		if _, err := os.Stat(priorPath); err == nil {
			priorRel, err := filepath.Rel(root, priorPath)
			if err != nil {
				return err
			}
			task.SourceAnnotationRef = priorRel
		}

		doc.Unassigned = append(doc.Unassigned, task)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan corpus: %w", err)
	}

	if len(doc.Unassigned) == 0 {
		return nil, fmt.Errorf("no videos found under %s", corpusDir)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

func outputRef(cfg model.Config, domain model.Domain, corpusDir, videoPath, root string) string {
	rel, err := filepath.Rel(corpusDir, videoPath)
	if err != nil {
		rel = filepath.Base(videoPath)
	}
	out := strings.TrimSuffix(rel, ".mp4") + ".npz"
	return filepath.Join(cfg.AnnotationsDir(), string(domain), out)
}

// Run builds and persists the pool document for a domain. It refuses to run
// while a broker owns the state root, and refuses to overwrite an already
// seeded domain.
func Run(root string, cfg model.Config, domain model.Domain) error {
	fl := lock.NewFileLock(filepath.Join(root, "locks", "broker.lock"))
	if err := os.MkdirAll(filepath.Join(root, "locks"), 0755); err != nil {
		return fmt.Errorf("create locks dir: %w", err)
	}
	if err := fl.TryLock(); err != nil {
		return fmt.Errorf("cannot seed while a broker is running: %w", err)
	}
	defer fl.Unlock()

	doc, err := Build(root, cfg, domain)
	if err != nil {
		return err
	}
	if err := store.New(root).Init(domain, doc); err != nil {
		return err
	}
	return nil
}
