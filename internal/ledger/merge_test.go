package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/dmitrijs2005/healthsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge_LastWriterWinsForAllOrderings(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	offsets := []time.Duration{-time.Hour, -time.Millisecond, 0, time.Millisecond, time.Hour}

	for _, d := range offsets {
		t.Run(d.String(), func(t *testing.T) {
			ctx := context.Background()
			l := newTestLedger(t)

			local := patient("patient_1", "Local")
			local.UpdatedAt = base
			created, err := l.Put(ctx, local, "")
			require.NoError(t, err)
			require.Equal(t, base, created.UpdatedAt.UTC())

			remote := patient("patient_1", "Remote")
			remote.Rev = "99-remote"
			remote.UpdatedAt = base.Add(d)

			outcome, err := l.Merge(ctx, remote, LastWriterWins, "couchdb")
			require.NoError(t, err)

			got, err := l.Get(ctx, "patient_1")
			require.NoError(t, err)

			if d > 0 {
				assert.Equal(t, MergeUpdated, outcome)
				assert.Equal(t, "Remote", got.Metadata.Name)
				assert.Equal(t, "couchdb", got.SyncedFrom)
				assert.NotEqual(t, "99-remote", got.Rev, "remote tokens never replace local ones")
				assert.NotEqual(t, created.Rev, got.Rev)
			} else {
				assert.Equal(t, MergeSkipped, outcome)
				assert.Equal(t, "Local", got.Metadata.Name)
				assert.Equal(t, created.Rev, got.Rev)
			}
		})
	}
}

func TestMerge_LocalEditAfterMergeNeedsFreshToken(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	local, err := l.Put(ctx, patient("patient_1", "Local"), "")
	require.NoError(t, err)

	remote := patient("patient_1", "Remote")
	remote.UpdatedAt = local.UpdatedAt.Add(time.Minute)
	_, err = l.Merge(ctx, remote, LastWriterWins, "docsync")
	require.NoError(t, err)

	_, err = l.Put(ctx, local, local.Rev)
	require.Error(t, err, "a user holding the pre-merge token must re-fetch")

	cur, err := l.Get(ctx, "patient_1")
	require.NoError(t, err)
	_, err = l.Put(ctx, cur, cur.Rev)
	require.NoError(t, err)
}

func TestMerge_InsertOnlyNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	_, err := l.Put(ctx, patient("patient_1", "Mine"), "")
	require.NoError(t, err)

	remote := patient("patient_1", "Theirs")
	remote.UpdatedAt = time.Now().Add(24 * time.Hour)

	outcome, err := l.Merge(ctx, remote, InsertOnly, "registry")
	require.NoError(t, err)
	assert.Equal(t, MergeSkipped, outcome)

	outcome, err = l.Merge(ctx, patient("patient_2", "New"), InsertOnly, "registry")
	require.NoError(t, err)
	assert.Equal(t, MergeInserted, outcome)

	got, err := l.Get(ctx, "patient_2")
	require.NoError(t, err)
	assert.Equal(t, "registry", got.SyncedFrom)

	mine, err := l.Get(ctx, "patient_1")
	require.NoError(t, err)
	assert.Equal(t, "Mine", mine.Metadata.Name)
}

func TestMerge_TombstonesPropagateAndDoNotResurrect(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	r, err := l.Put(ctx, patient("patient_1", "Jane"), "")
	require.NoError(t, err)
	del, err := l.Delete(ctx, r.ID, r.Rev)
	require.NoError(t, err)

	older := patient("patient_1", "Jane")
	older.UpdatedAt = r.UpdatedAt
	outcome, err := l.Merge(ctx, older, LastWriterWins, "relational")
	require.NoError(t, err)
	assert.Equal(t, MergeSkipped, outcome)

	_, err = l.Get(ctx, "patient_1")
	require.Error(t, err, "an older live copy must not resurrect a tombstone")

	r2, err := l.Put(ctx, patient("patient_2", "John"), "")
	require.NoError(t, err)
	remoteDel := r2
	remoteDel.Deleted = true
	remoteDel.UpdatedAt = del.UpdatedAt.Add(time.Hour)
	outcome, err = l.Merge(ctx, remoteDel, LastWriterWins, "relational")
	require.NoError(t, err)
	assert.Equal(t, MergeUpdated, outcome)

	_, err = l.Get(ctx, "patient_2")
	require.Error(t, err)
}

func TestMerge_UnionsAttachments(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	r, err := l.Put(ctx, patient("patient_1", "Jane"), "")
	require.NoError(t, err)
	r, err = l.PutAttachment(ctx, r.ID, r.Rev, models.Attachment{ID: "file_local", ContentRef: models.Durable("kubo", "a")}, []byte("x"))
	require.NoError(t, err)

	remote := patient("patient_1", "Jane")
	remote.UpdatedAt = r.UpdatedAt.Add(time.Minute)
	remote.Attachments = []models.Attachment{{ID: "file_remote", ContentRef: models.Durable("kubo", "b")}}

	_, err = l.Merge(ctx, remote, LastWriterWins, "couchdb")
	require.NoError(t, err)

	got, err := l.Get(ctx, "patient_1")
	require.NoError(t, err)
	require.Len(t, got.Attachments, 2)
	assert.Equal(t, "file_remote", got.Attachments[0].ID)
	assert.Equal(t, "file_local", got.Attachments[1].ID)
}
