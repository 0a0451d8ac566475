package appmixer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type errorRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *errorRecorder) HandleError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *errorRecorder) all() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *errorRecorder) {
	t.Helper()
	rec := &errorRecorder{}
	e := &Engine{errorHandler: rec, log: logrus.NewEntry(logrus.New())}
	d := NewDispatcher(e)
	t.Cleanup(func() { _ = d.Stop() })
	return d, rec
}

func TestDispatcherLifecycle(t *testing.T) {
	d, _ := newTestDispatcher(t)
	assert.False(t, d.IsRunning())
	assert.ErrorIs(t, d.run(OpQuery, func() error { return nil }), ErrNotRunning)

	require.NoError(t, d.Start())
	assert.True(t, d.IsRunning())
	assert.Error(t, d.Start(), "double start")

	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())
	assert.False(t, d.IsRunning())
	assert.ErrorIs(t, d.post(OpQuery, func() error { return nil }), ErrNotRunning)

	// a stopped dispatcher can be started again
	require.NoError(t, d.Start())
	assert.NoError(t, d.run(OpQuery, func() error { return nil }))
}

func TestDispatcherSerializesOperations(t *testing.T) {
	d, _ := newTestDispatcher(t)
	require.NoError(t, d.Start())

	var order []int
	for i := 0; i < 50; i++ {
		require.NoError(t, d.post(OpQuery, func() error {
			order = append(order, i)
			return nil
		}))
	}
	require.NoError(t, d.run(OpQuery, func() error { return nil }))

	require.Len(t, order, 50)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
	assert.EqualValues(t, 51, d.Operations())
}

func TestDispatcherRoutesErrors(t *testing.T) {
	d, rec := newTestDispatcher(t)
	require.NoError(t, d.Start())

	boom := errors.New("boom")
	assert.ErrorIs(t, d.run(OpSetVolume, func() error { return boom }), boom)
	assert.Empty(t, rec.all(), "synchronous errors go to the caller")

	require.NoError(t, d.post(OpHealthCheck, func() error { return boom }))
	require.NoError(t, d.run(OpQuery, func() error { return nil }))
	errs := rec.all()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
}

func TestDispatcherReportsSlowOperations(t *testing.T) {
	d, rec := newTestDispatcher(t)
	d.maxOperationDuration = time.Millisecond
	require.NoError(t, d.Start())

	require.NoError(t, d.run(OpSetRoute, func() error {
		time.Sleep(5 * time.Millisecond)
		return nil
	}))

	errs := rec.all()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "set_route took")
	last, slowest := d.GetPerformanceStats()
	assert.GreaterOrEqual(t, last, 5*time.Millisecond)
	assert.Equal(t, last, slowest)
}
