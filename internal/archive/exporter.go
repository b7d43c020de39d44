// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package archive exports terminal request records to S3-compatible object
// storage, so history survives the request store's retention cleanup.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/aibridge/internal/config"
	"github.com/traylinx/aibridge/internal/events"
	"github.com/traylinx/aibridge/internal/store"
)

const defaultPrefix = "aibridge/requests"

// objectStore is the slice of the minio client the exporter needs. Tests
// substitute a fake; production always passes *minio.Client.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Exporter collects finished request ids from the event bus and uploads the
// corresponding records as JSON objects on a timer. Failed uploads stay
// pending and are retried on the next tick.
type Exporter struct {
	cfg    config.ArchiveConfig
	store  store.RequestStore
	bus    *events.Bus
	client objectStore

	mu      sync.Mutex
	pending map[string]struct{}

	sub       *events.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds an exporter over a real S3 client. Credentials are read from
// the environment variables named in the config.
func New(cfg config.ArchiveConfig, st store.RequestStore, bus *events.Bus) (*Exporter, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(os.Getenv(cfg.AccessKeyEnv), os.Getenv(cfg.SecretKeyEnv), ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: failed to build client for %s: %w", cfg.Endpoint, err)
	}
	return newWithClient(cfg, st, bus, client), nil
}

func newWithClient(cfg config.ArchiveConfig, st store.RequestStore, bus *events.Bus, client objectStore) *Exporter {
	ctx, cancel := context.WithCancel(context.Background())
	return &Exporter{
		cfg:     cfg,
		store:   st,
		bus:     bus,
		client:  client,
		pending: make(map[string]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start verifies the bucket, subscribes to terminal events, and begins the
// flush loop. Calling Start more than once is a no-op.
func (e *Exporter) Start() error {
	ctx, cancel := context.WithTimeout(e.ctx, 15*time.Second)
	defer cancel()

	exists, err := e.client.BucketExists(ctx, e.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("archive: failed to check bucket %q: %w", e.cfg.Bucket, err)
	}
	if !exists {
		if err := e.client.MakeBucket(ctx, e.cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("archive: failed to create bucket %q: %w", e.cfg.Bucket, err)
		}
		log.Infof("Archive bucket %s created", e.cfg.Bucket)
	}

	e.startOnce.Do(func() {
		e.sub = e.bus.SubscribeAll(func(ev *events.Event) {
			switch ev.Type {
			case events.TypeCompleted, events.TypeFailed, events.TypeCancelled:
				e.enqueue(ev.RequestID)
			}
		})

		interval := time.Duration(e.cfg.IntervalSeconds) * time.Second
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		e.wg.Add(1)
		go e.loop(interval)
		log.Infof("Archive exporter started: bucket %s, flush every %s", e.cfg.Bucket, interval)
	})
	return nil
}

func (e *Exporter) enqueue(id string) {
	if id == "" {
		return
	}
	e.mu.Lock()
	e.pending[id] = struct{}{}
	e.mu.Unlock()
}

func (e *Exporter) drop(id string) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

// PendingCount reports how many finished requests await upload.
func (e *Exporter) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Exporter) loop(interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.Flush(context.Background())
		}
	}
}

// Flush uploads every pending record now, returning how many were archived.
// Records purged from the store before the flush are silently dropped.
func (e *Exporter) Flush(ctx context.Context) int {
	e.mu.Lock()
	batch := make([]string, 0, len(e.pending))
	for id := range e.pending {
		batch = append(batch, id)
	}
	e.mu.Unlock()
	if len(batch) == 0 {
		return 0
	}

	archived := 0
	for _, id := range batch {
		rec, err := e.store.Get(ctx, id)
		if err != nil {
			e.drop(id)
			continue
		}
		if err := e.upload(ctx, rec); err != nil {
			log.Warnf("Failed to archive request %s: %v", id, err)
			continue
		}
		e.drop(id)
		archived++
	}
	if archived > 0 {
		log.Debugf("Archived %d finished requests", archived)
	}
	return archived
}

func (e *Exporter) upload(ctx context.Context, rec *store.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	_, err = e.client.PutObject(ctx, e.cfg.Bucket, e.objectKey(rec),
		bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

// objectKey places records under prefix/YYYY/MM/DD/<id>.json by completion
// date, so bucket lifecycle rules can expire whole days at a time.
func (e *Exporter) objectKey(rec *store.Record) string {
	when := rec.CompletedAt
	if when.IsZero() {
		when = time.Now()
	}
	prefix := strings.Trim(e.cfg.Prefix, "/")
	if prefix == "" {
		prefix = defaultPrefix
	}
	return fmt.Sprintf("%s/%s/%s.json", prefix, when.UTC().Format("2006/01/02"), rec.ID)
}

// Shutdown stops the loop, runs a final flush, and detaches from the bus.
func (e *Exporter) Shutdown(ctx context.Context) {
	e.stopOnce.Do(func() {
		if e.sub != nil {
			e.sub.Unsubscribe()
		}
		e.cancel()
		e.wg.Wait()
		e.Flush(ctx)
	})
}
