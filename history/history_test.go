package history

import (
	"path/filepath"
	"testing"

	"github.com/jnb666/celebattr/nnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ nnet.Monitor = (*Recorder)(nil)

func TestHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	db, err := Open(path)
	require.NoError(t, err)

	rec, err := db.NewRecorder("exp1", `{"Eta": 0.001}`)
	require.NoError(t, err)
	rec.OnStep(1, 100, 200, 0.7)
	rec.OnStep(1, 200, 200, 0.5)
	rec.OnEpoch(1, []int{100, 200}, []float64{0.7, 0.5})
	rec.OnStep(2, 100, 200, 0.4)
	rec.OnEpoch(2, []int{100}, []float64{0.4})
	require.NoError(t, rec.Finish(0.8, 0.75))

	other, err := db.StartRun("exp2", "")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// reopen to check the data was persisted
	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	runs, err := db.Runs("")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, other, runs[0].ID)
	assert.False(t, runs[0].Finished)

	runs, err = db.Runs("exp1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	r := runs[0]
	assert.Equal(t, rec.Run, r.ID)
	assert.Equal(t, `{"Eta": 0.001}`, r.Config)
	assert.Equal(t, 2, r.Epochs)
	assert.True(t, r.Finished)
	assert.Equal(t, 0.8, r.Accuracy)
	assert.Equal(t, 0.75, r.F1)
	assert.False(t, r.Started.IsZero())

	losses, err := db.Losses(r.ID)
	require.NoError(t, err)
	assert.Equal(t, []Loss{{1, 100, 0.7}, {1, 200, 0.5}, {2, 100, 0.4}}, losses)

	assert.Error(t, db.Finish(999, 0, 0))
}
