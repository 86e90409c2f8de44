package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dmitrijs2005/healthsync/internal/localdb"
	"github.com/dmitrijs2005/healthsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan models.Change, n int) []models.Change {
	t.Helper()
	var out []models.Change
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case c, ok := <-ch:
			require.True(t, ok, "feed closed early")
			out = append(out, c)
		case <-timeout:
			t.Fatalf("timed out after %d of %d changes", len(out), n)
		}
	}
	return out
}

func TestSubscribe_IndependentSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := newTestLedger(t)

	_, err := l.Put(ctx, patient("patient_old", "Before"), "")
	require.NoError(t, err)

	replay, err := l.Subscribe(ctx, FromBeginning)
	require.NoError(t, err)
	live1, err := l.Subscribe(ctx, FromNow)
	require.NoError(t, err)
	live2, err := l.Subscribe(ctx, FromNow)
	require.NoError(t, err)

	r, err := l.Put(ctx, patient("patient_1", "Jane"), "")
	require.NoError(t, err)
	_, err = l.Delete(ctx, r.ID, r.Rev)
	require.NoError(t, err)

	all := collect(t, replay, 3)
	assert.Equal(t, "patient_old", all[0].RecordID)
	assert.Equal(t, models.ChangeCreate, all[1].Kind)
	assert.Equal(t, models.ChangeDelete, all[2].Kind)

	for _, ch := range []<-chan models.Change{live1, live2} {
		got := collect(t, ch, 2)
		assert.Equal(t, "patient_1", got[0].RecordID)
		assert.Equal(t, models.ChangeDelete, got[1].Kind)
		assert.Less(t, got[0].Seq, got[1].Seq)
	}
}

func TestSubscribe_ResumesFromSeqAndClosesOnCancel(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	for _, id := range []string{"patient_1", "patient_2", "patient_3"} {
		_, err := l.Put(ctx, patient(id, id), "")
		require.NoError(t, err)
	}

	first, err := l.ChangesSince(ctx, 0, 1)
	require.NoError(t, err)

	subCtx, cancel := context.WithCancel(ctx)
	ch, err := l.Subscribe(subCtx, first[0].Seq)
	require.NoError(t, err)

	got := collect(t, ch, 2)
	assert.Equal(t, "patient_2", got[0].RecordID)
	assert.Equal(t, "patient_3", got[1].RecordID)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("feed not closed after cancel")
	}
}

func TestSubscribe_ClosesOnReadFailureAndResumesFromLastSeq(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	path := filepath.Join(t.TempDir(), "ledger.db")

	db, err := localdb.Open(ctx, path)
	require.NoError(t, err)
	l := New(db)
	_, err = l.Put(ctx, patient("patient_1", "Jane"), "")
	require.NoError(t, err)

	ch, err := l.Subscribe(ctx, FromBeginning)
	require.NoError(t, err)
	last := collect(t, ch, 1)[0].Seq

	require.NoError(t, db.Close())
	l.feed.notify()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("feed not closed after failed read")
	}
	require.NoError(t, ctx.Err(), "closed with the context still live")

	db, err = localdb.Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	l = New(db)

	ch, err = l.Subscribe(ctx, last)
	require.NoError(t, err)
	_, err = l.Put(ctx, patient("patient_2", "John"), "")
	require.NoError(t, err)
	got := collect(t, ch, 1)
	assert.Equal(t, "patient_2", got[0].RecordID)
}
