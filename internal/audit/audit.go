// Package audit records the append-only trail of state-changing actions
// across the scheduling core, backing the audit.list surface.
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ponybunny-ai/taskforge/internal/common/logger"
	"github.com/ponybunny-ai/taskforge/internal/persistence"
	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

const (
	defaultBatchSize     = 50
	defaultFlushInterval = 2 * time.Second
	defaultQueueDepth    = 1024
)

// Service is the audit log's write path: a synchronous append for
// correctness-critical events (goal/work item status changes) and a
// batched, periodically-flushed path for high-rate events (tool
// invocations) that would otherwise serialize every Run behind one
// fsync per event.
type Service struct {
	store persistence.Store
	log   *logger.Logger

	batchSize     int
	flushInterval time.Duration

	queue  chan *v1.AuditEntry
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds an audit Service over store.
func New(store persistence.Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		store:         store,
		log:           log,
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		queue:         make(chan *v1.AuditEntry, defaultQueueDepth),
	}
}

// Start begins the batched writer's flush loop.
func (s *Service) Start() {
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.flushLoop()
}

// Stop drains any buffered entries and halts the flush loop.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Record appends entry synchronously, for actions whose audit trail must
// be durable before the caller proceeds (goal and work item status
// transitions, cancellation).
func (s *Service) Record(ctx context.Context, entry *v1.AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return s.store.AppendAuditEntry(ctx, entry)
}

// RecordAsync enqueues entry for the batched writer, for high-rate events
// where losing the last few entries on an ungraceful crash is acceptable.
// Falls back to a synchronous write if the queue is full, to avoid
// silently dropping audit data under load.
func (s *Service) RecordAsync(entry *v1.AuditEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	select {
	case s.queue <- entry:
	default:
		s.log.Warn("audit: batch queue full, writing synchronously", zap.String("action", entry.Action))
		if err := s.store.AppendAuditEntry(context.Background(), entry); err != nil {
			s.log.Error("audit: synchronous fallback write failed", zap.Error(err))
		}
	}
}

func (s *Service) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]*v1.AuditEntry, 0, s.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx := context.Background()
		for _, entry := range batch {
			if err := s.store.AppendAuditEntry(ctx, entry); err != nil {
				s.log.Error("audit: batched write failed", zap.String("action", entry.Action), zap.Error(err))
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-s.stopCh:
			s.drainQueue(&batch)
			flush()
			return
		case entry := <-s.queue:
			batch = append(batch, entry)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// drainQueue pulls any entries still sitting in the channel buffer so a
// shutdown flush doesn't lose them.
func (s *Service) drainQueue(batch *[]*v1.AuditEntry) {
	for {
		select {
		case entry := <-s.queue:
			*batch = append(*batch, entry)
		default:
			return
		}
	}
}

// List returns a page of audit entries matching filter.
func (s *Service) List(ctx context.Context, filter persistence.AuditFilter, limit, offset int) (*v1.AuditListPage, error) {
	entries, total, err := s.store.ListAuditEntries(ctx, filter, limit, offset)
	if err != nil {
		return nil, err
	}
	page := &v1.AuditListPage{Entries: entries, Total: total}
	if offset+len(entries) < total {
		page.NextOffset = offset + len(entries)
	}
	return page, nil
}

// Prune deletes audit entries older than olderThan.
func (s *Service) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.store.PruneAuditEntries(ctx, olderThan)
}
