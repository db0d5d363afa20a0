package report

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/namus-crawler/internal/namus"
	"github.com/JakeFAU/namus-crawler/internal/pipeline"
	"github.com/JakeFAU/namus-crawler/internal/storage"
)

const (
	contentTypeJSON   = "application/json"
	defaultBlobWrites = 8
)

// ManifestRecord lists one stored body.
type ManifestRecord struct {
	ID     string `json:"id"`
	Path   string `json:"path"`
	URI    string `json:"uri"`
	SHA256 string `json:"sha256"`
	Bytes  int    `json:"bytes"`
}

// Manifest is written next to the bodies of a run.
type Manifest struct {
	Summary
	Objects []ManifestRecord `json:"objects"`
}

// BlobSink writes every record body and a manifest to a BlobStore at
// {prefix}/{run_id}/{category}/{id}.json and {prefix}/{run_id}/manifest.json.
// An id fetched more than once in a run is stored and listed once, from its
// first record; the summary counts still include every fetch.
type BlobSink struct {
	store       storage.BlobStore
	prefix      string
	concurrency int
}

// NewBlobSink builds a BlobSink writing at most concurrency objects at once.
func NewBlobSink(store storage.BlobStore, prefix string, concurrency int) (*BlobSink, error) {
	if store == nil {
		return nil, errors.New("blob store is required")
	}
	if concurrency <= 0 {
		concurrency = defaultBlobWrites
	}
	return &BlobSink{store: store, prefix: prefix, concurrency: concurrency}, nil
}

// Report implements Sink. The manifest is only written once every body is stored.
func (s *BlobSink) Report(ctx context.Context, out pipeline.Output) error {
	category := out.Category.Slug()
	runDir := path.Join(s.prefix, out.RunID.String())

	records := firstPerID(out.Records)
	objects := make([]ManifestRecord, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, rec := range records {
		g.Go(func() error {
			objectPath := path.Join(runDir, category, rec.ID.String()+".json")
			uri, err := s.store.PutObject(gctx, objectPath, contentTypeJSON, bytes.NewReader(rec.Body))
			if err != nil {
				return fmt.Errorf("store record %s: %w", rec.ID, err)
			}
			sum := sha256.Sum256(rec.Body)
			objects[i] = ManifestRecord{
				ID:     rec.ID.String(),
				Path:   objectPath,
				URI:    uri,
				SHA256: hex.EncodeToString(sum[:]),
				Bytes:  len(rec.Body),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	manifest, err := json.MarshalIndent(Manifest{Summary: Summarize(out), Objects: objects}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if _, err := s.store.PutObject(ctx, path.Join(runDir, "manifest.json"), contentTypeJSON, bytes.NewReader(manifest)); err != nil {
		return fmt.Errorf("store manifest: %w", err)
	}
	return nil
}

func firstPerID(records []pipeline.Record) []pipeline.Record {
	seen := make(map[namus.RecordID]struct{}, len(records))
	unique := make([]pipeline.Record, 0, len(records))
	for _, rec := range records {
		if _, ok := seen[rec.ID]; ok {
			continue
		}
		seen[rec.ID] = struct{}{}
		unique = append(unique, rec)
	}
	return unique
}
