package services

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akinalp/carecall/database"
	"github.com/akinalp/carecall/models"
	"github.com/akinalp/carecall/pkg/email"
	"github.com/akinalp/carecall/repository"
)

func openRecordRepo(t *testing.T) repository.CallRecordRepository {
	t.Helper()
	migrations, err := fs.Sub(database.EmbeddedMigrations, "migrations")
	require.NoError(t, err)
	db, err := database.New(filepath.Join(t.TempDir(), "services.db"), migrations)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return repository.NewSQLiteCallRecordRepo(db.Conn)
}

var rt0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func TestRecorderAppliesInOrder(t *testing.T) {
	repo := openRecordRepo(t)
	notifier := &fakeNotifier{}
	w := NewCallRecordWorker(repo, notifier)
	w.Start()

	w.Started(models.CallRecord{ID: "r1", SessionID: "S1", CallID: "c1", CallerID: "U1", CalleeID: "U2", CreatedAt: rt0})
	w.Answered("r1", rt0.Add(3*time.Second))
	w.Ended("r1", repository.CallEnd{At: rt0.Add(time.Minute), Reason: "local-hangup", EndedBy: "U1"})
	w.Stop()

	rec, err := repo.GetByID(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusEnded, rec.Status)
	require.NotNil(t, rec.AnsweredAt)
	assert.Equal(t, "local-hangup", rec.EndReason)
	assert.Zero(t, notifier.count(), "an answered call is not missed")
}

func TestRecorderNotifiesMissedCall(t *testing.T) {
	repo := openRecordRepo(t)
	notifier := &fakeNotifier{}
	w := NewCallRecordWorker(repo, notifier)
	w.Start()

	w.Started(models.CallRecord{ID: "r1", SessionID: "S1", CallerID: "U1", CalleeID: "U2", CreatedAt: rt0})
	w.Ended("r1", repository.CallEnd{At: rt0.Add(45 * time.Second), Reason: "local-hangup", EndedBy: "U1"})

	w.Started(models.CallRecord{ID: "r2", SessionID: "S2", CallerID: "U1", CalleeID: "U2", CreatedAt: rt0})
	w.Ended("r2", repository.CallEnd{At: rt0.Add(5 * time.Second), Reason: "rejected", EndedBy: "U2"})
	w.Stop()

	require.Equal(t, 1, notifier.count(), "a declined call is not missed")
	assert.Equal(t, "r1", notifier.records[0].ID)
}

func TestRecorderDropsAfterStop(t *testing.T) {
	repo := openRecordRepo(t)
	w := NewCallRecordWorker(repo, nil)
	w.Start()
	w.Stop()
	w.Stop()

	w.Started(models.CallRecord{ID: "late", SessionID: "S1", CallerID: "U1", CalleeID: "U2", CreatedAt: rt0})
	_, err := repo.GetByID(context.Background(), "late")
	assert.Error(t, err)
}

func TestRecorderRecover(t *testing.T) {
	repo := openRecordRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &models.CallRecord{ID: "open", SessionID: "S1", CallerID: "U1", CalleeID: "U2", CreatedAt: rt0}))

	w := NewCallRecordWorker(repo, nil)
	require.NoError(t, w.Recover(ctx))

	rec, err := repo.GetByID(ctx, "open")
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusEnded, rec.Status)
	assert.Equal(t, "relay restarted", rec.ErrorMessage)
}

func TestMissedCallNotifier(t *testing.T) {
	participants := fakeParticipants{
		"U1": {ID: "U1", DisplayName: "Dr. Ada"},
		"U2": {ID: "U2", DisplayName: "Sam", Email: "sam@example.com"},
		"U3": {ID: "U3", DisplayName: "No Mail"},
	}
	ctx := context.Background()

	t.Run("sends to the callee", func(t *testing.T) {
		sender := &fakeSender{}
		n := NewMissedCallNotifier(participants, sender)
		require.NoError(t, n.NotifyMissed(ctx, &models.CallRecord{SessionID: "S1", CallerID: "U1", CalleeID: "U2", CreatedAt: rt0}))

		require.Equal(t, 1, sender.count())
		m := sender.sent[0]
		assert.Equal(t, "sam@example.com", m.ToEmail)
		assert.Equal(t, "Sam", m.ToName)
		assert.Equal(t, "Dr. Ada", m.CallerName)
		assert.Equal(t, "S1", m.SessionID)
	})

	t.Run("skips callees without an address", func(t *testing.T) {
		sender := &fakeSender{}
		n := NewMissedCallNotifier(participants, sender)
		require.NoError(t, n.NotifyMissed(ctx, &models.CallRecord{CallerID: "U1", CalleeID: "U3"}))
		require.NoError(t, n.NotifyMissed(ctx, &models.CallRecord{CallerID: "U1", CalleeID: "U9"}))
		assert.Zero(t, sender.count())
	})

	t.Run("falls back to the caller id", func(t *testing.T) {
		sender := &fakeSender{}
		n := NewMissedCallNotifier(participants, sender)
		require.NoError(t, n.NotifyMissed(ctx, &models.CallRecord{CallerID: "U7", CalleeID: "U2"}))
		assert.Equal(t, "U7", sender.sent[0].CallerName)
	})

	t.Run("propagates send errors", func(t *testing.T) {
		sender := &fakeSender{err: errors.New("boom")}
		n := NewMissedCallNotifier(participants, sender)
		assert.Error(t, n.NotifyMissed(ctx, &models.CallRecord{CallerID: "U1", CalleeID: "U2"}))
	})
}

var _ email.EmailSender = (*fakeSender)(nil)
