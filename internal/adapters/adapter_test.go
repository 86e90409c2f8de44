package adapters

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dmitrijs2005/healthsync/internal/common"
	"github.com/dmitrijs2005/healthsync/internal/ledger"
	"github.com/dmitrijs2005/healthsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEligibleID(t *testing.T) {
	tests := map[string]bool{
		"patient_1":           true,
		"file_abc":            true,
		"device_1":            false,
		"_design/app":         false,
		"patients_1":          false,
		"registry-latest":     false,
		"patient":             false,
		"healthsync.settings": false,
	}
	for id, want := range tests {
		assert.Equal(t, want, EligibleID(id), id)
	}
}

func TestResult_Err(t *testing.T) {
	var r Result
	require.NoError(t, r.Err())

	for i := 1; i <= 3; i++ {
		r.Succeed(fmt.Sprintf("patient_%d", i))
	}
	r.Fail("patient_4", fmt.Errorf("remote says: %w", common.ErrIntegrity))

	err := r.Err()
	require.ErrorIs(t, err, common.ErrPartialFailure)

	var pf *common.PartialFailureError
	require.True(t, errors.As(err, &pf))
	assert.Len(t, pf.Succeeded, 3)
	assert.Equal(t, []string{"patient_4"}, pf.FailedIDs())
	assert.ErrorIs(t, pf.Failed[0], common.ErrIntegrity)
	assert.Equal(t, 3, r.Count)
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, Classify(context.DeadlineExceeded), common.ErrUnavailable)
	assert.ErrorIs(t, Classify(common.ErrAuthFailed), common.ErrAuthFailed)
	assert.True(t, Fatal(Classify(context.DeadlineExceeded)))
	assert.True(t, Fatal(common.ErrAuthFailed))
	assert.False(t, Fatal(common.ErrIntegrity))
}

type fakeMerger struct {
	seen []string
	fail map[string]error
}

func (m *fakeMerger) Merge(_ context.Context, r models.Record, p ledger.Policy, origin string) (ledger.MergeOutcome, error) {
	m.seen = append(m.seen, r.ID)
	if err := m.fail[r.ID]; err != nil {
		return ledger.MergeSkipped, err
	}
	if r.Metadata.Name == "same" {
		return ledger.MergeSkipped, nil
	}
	return ledger.MergeUpdated, nil
}

func TestMergeAll_SkipsAndContinues(t *testing.T) {
	now := time.Now()
	remote := []models.Record{
		{ID: "patient_1", UpdatedAt: now},
		{ID: "_design/filters"},
		{ID: "patient_2", UpdatedAt: now},
		{ID: "patient_3", Metadata: models.Metadata{Name: "same"}},
	}
	m := &fakeMerger{fail: map[string]error{"patient_2": errors.New("disk full")}}

	res, err := MergeAll(context.Background(), m, "couchdb", remote)
	require.NoError(t, err)
	assert.Equal(t, []string{"patient_1", "patient_2", "patient_3"}, m.seen)
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, []string{"patient_1"}, res.Succeeded)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "patient_2", res.Errors[0].RecordID)
}

func TestCheckpointKey(t *testing.T) {
	assert.Equal(t, "adapter.couchdb.since", CheckpointKey("couchdb", "since"))
}
