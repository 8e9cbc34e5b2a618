// Package storage archives query output batches to blob storage.
package storage

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wehubfusion/Argus/pkg/event"
	"github.com/wehubfusion/Argus/pkg/metrics"
)

const defaultArchiveTimeout = 30 * time.Second

// Archive is a query output callback writing every batch to one blob.
// Blobs are named <prefix>/<stream>/<yyyy>/<mm>/<dd>/<uuid>.json.
type Archive struct {
	store   BlobStore
	def     *event.StreamDefinition
	prefix  string
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewArchive creates an archive for batches of def
func NewArchive(store BlobStore, def *event.StreamDefinition, prefix string, logger *zap.Logger) (*Archive, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if def == nil {
		return nil, fmt.Errorf("stream definition is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archive{
		store:   store,
		def:     def,
		prefix:  prefix,
		timeout: defaultArchiveTimeout,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// WithTimeout bounds each upload
func (a *Archive) WithTimeout(d time.Duration) *Archive {
	if d > 0 {
		a.timeout = d
	}
	return a
}

// Send uploads events as a JSON record array. Empty batches are skipped.
func (a *Archive) Send(events []*event.Event) error {
	if len(events) == 0 {
		return nil
	}
	data, err := event.Encode(a.def, events)
	if err != nil {
		metrics.ArchivedBatches.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to encode %s batch: %w", a.def.ID, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	blobPath := a.blobPath()
	ref, err := a.store.Put(ctx, blobPath, data, map[string]string{
		"stream": a.def.ID,
		"events": strconv.Itoa(len(events)),
	})
	metrics.ArchivedBatches.WithLabelValues(metrics.Status(err)).Inc()
	if err != nil {
		return fmt.Errorf("failed to archive %s batch: %w", a.def.ID, err)
	}
	a.logger.Debug("Archived batch",
		zap.String("stream", a.def.ID),
		zap.String("blob", ref),
		zap.Int("events", len(events)))
	return nil
}

// Receive lets an archive subscribe to a junction directly
func (a *Archive) Receive(events []*event.Event) error { return a.Send(events) }

func (a *Archive) blobPath() string {
	day := a.now().UTC().Format("2006/01/02")
	return path.Join(a.prefix, a.def.ID, day, uuid.NewString()+".json")
}
