package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/akinalp/carecall/models"
	"github.com/akinalp/carecall/pkg"
	"github.com/akinalp/carecall/repository"
)

const (
	recorderQueueSize  = 1024
	recorderJobTimeout = 5 * time.Second
)

// CallRecorder persists call attempts off the signaling path. Every method
// only enqueues; the relay never waits on the database.
type CallRecorder interface {
	Started(rec models.CallRecord)
	Answered(recordID string, at time.Time)
	Ended(recordID string, end repository.CallEnd)
}

// CallRecordWorker is the CallRecorder used in production: a single
// goroutine applies the queued writes in order and hands finished calls
// that were never answered to the notifier.
type CallRecordWorker struct {
	repo     repository.CallRecordRepository
	notifier MissedCallNotifier

	jobs    chan recordJob
	stopCh  chan struct{}
	done    chan struct{}
	mu      sync.Mutex
	started bool
	stopped bool

	notifyWG sync.WaitGroup
}

type recordJobKind int

const (
	jobStarted recordJobKind = iota
	jobAnswered
	jobEnded
)

type recordJob struct {
	kind   recordJobKind
	record models.CallRecord
	id     string
	at     time.Time
	end    repository.CallEnd
}

// NewCallRecordWorker creates the worker. notifier may be nil.
func NewCallRecordWorker(repo repository.CallRecordRepository, notifier MissedCallNotifier) *CallRecordWorker {
	return &CallRecordWorker{
		repo:     repo,
		notifier: notifier,
		jobs:     make(chan recordJob, recorderQueueSize),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Recover ends the records left open by a previous run. Those calls cannot
// have survived the restart because every WebSocket dropped with it.
func (w *CallRecordWorker) Recover(ctx context.Context) error {
	n, err := w.repo.FinishOpen(ctx, repository.CallEnd{
		At:           time.Now().UTC(),
		Reason:       "error",
		ErrorMessage: "relay restarted",
	})
	if err != nil {
		return err
	}
	if n > 0 {
		log.Warn().Str("component", "recorder").Int64("records", n).Msg("closed call records left open by a previous run")
	}
	return nil
}

// Start launches the worker goroutine.
func (w *CallRecordWorker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true

	go w.run()
}

// Stop applies what is already queued, waits for pending notifications and
// returns. Later calls to the recorder are dropped.
func (w *CallRecordWorker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	started := w.started
	close(w.stopCh)
	w.mu.Unlock()

	if started {
		<-w.done
	}
	w.notifyWG.Wait()
}

func (w *CallRecordWorker) Started(rec models.CallRecord) {
	w.enqueue(recordJob{kind: jobStarted, record: rec, id: rec.ID})
}

func (w *CallRecordWorker) Answered(recordID string, at time.Time) {
	w.enqueue(recordJob{kind: jobAnswered, id: recordID, at: at})
}

func (w *CallRecordWorker) Ended(recordID string, end repository.CallEnd) {
	w.enqueue(recordJob{kind: jobEnded, id: recordID, end: end})
}

func (w *CallRecordWorker) enqueue(job recordJob) {
	if job.id == "" {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}

	select {
	case w.jobs <- job:
	default:
		log.Error().Str("component", "recorder").Str("record", job.id).Msg("record queue full, write dropped")
	}
}

func (w *CallRecordWorker) run() {
	defer close(w.done)

	for {
		select {
		case job := <-w.jobs:
			w.apply(job)
		case <-w.stopCh:
			for {
				select {
				case job := <-w.jobs:
					w.apply(job)
				default:
					log.Debug().Str("component", "recorder").Msg("stopped")
					return
				}
			}
		}
	}
}

func (w *CallRecordWorker) apply(job recordJob) {
	ctx, cancel := context.WithTimeout(context.Background(), recorderJobTimeout)
	defer cancel()

	logger := log.With().Str("component", "recorder").Str("record", job.id).Logger()

	switch job.kind {
	case jobStarted:
		rec := job.record
		if err := w.repo.Create(ctx, &rec); err != nil {
			logger.Error().Err(err).Msg("failed to create call record")
		}

	case jobAnswered:
		if err := w.repo.MarkAnswered(ctx, job.id, job.at); err != nil {
			logger.Error().Err(err).Msg("failed to mark call answered")
		}

	case jobEnded:
		rec, err := w.repo.Finish(ctx, job.id, job.end)
		if errors.Is(err, pkg.ErrNotFound) {
			logger.Debug().Msg("call record already closed")
			return
		}
		if err != nil {
			logger.Error().Err(err).Msg("failed to finish call record")
			return
		}
		if rec.Missed() && w.notifier != nil {
			w.notifyWG.Add(1)
			go func() {
				defer w.notifyWG.Done()
				w.notify(rec)
			}()
		}
	}
}

func (w *CallRecordWorker) notify(rec *models.CallRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := w.notifier.NotifyMissed(ctx, rec); err != nil {
		log.Warn().Err(err).Str("component", "recorder").Str("record", rec.ID).Msg("missed call notification failed")
	}
}
