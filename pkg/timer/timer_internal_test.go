package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSession struct {
	kills atomic.Int32
}

func (s *stubSession) Kill(KillReason) { s.kills.Add(1) }

// A deadline whose callback has started but not yet taken the timer lock
// cannot be stopped. Reset must hand ownership to the callback.
func TestResetDuringNotification(t *testing.T) {
	svc := NewService()
	defer svc.Close()
	sess := &stubSession{}

	tm, err := svc.Set(sess, nil, time.Hour)
	require.NoError(t, err)

	tm.mu.Lock()
	require.True(t, tm.t.Stop())
	gen := tm.gen
	tm.mu.Unlock()

	got, signaled := svc.Reset(tm)
	assert.Nil(t, got)
	assert.True(t, signaled)
	assert.Equal(t, 1, svc.Live(), "callback still holds a reference")

	tm.notify(gen)
	assert.Equal(t, int32(0), sess.kills.Load())
	assert.Equal(t, 0, svc.Live())
	assert.Equal(t, uint64(1), svc.Stats().Orphaned)

	// owner already released its reference
	svc.End(tm)
	assert.Equal(t, 0, svc.Live())
}

func TestStaleGenerationIgnored(t *testing.T) {
	svc := NewService()
	defer svc.Close()
	sess := &stubSession{}

	tm, err := svc.Set(sess, nil, time.Hour)
	require.NoError(t, err)
	tm.mu.Lock()
	tm.t.Stop()
	stale := tm.gen
	tm.mu.Unlock()

	// re-arm without disarming: the first callback still owes its reference
	tm, err = svc.Set(sess, tm, time.Hour)
	require.NoError(t, err)

	tm.notify(stale)
	assert.Equal(t, int32(0), sess.kills.Load())

	tm.mu.Lock()
	assert.NotNil(t, tm.session)
	assert.Equal(t, 2, tm.refs)
	tm.mu.Unlock()

	got, signaled := svc.Reset(tm)
	assert.Same(t, tm, got)
	assert.False(t, signaled)
	svc.End(tm)
	assert.Equal(t, 0, svc.Live())
}

func TestKillReasonString(t *testing.T) {
	assert.Equal(t, "statement timeout", KillTimeout.String())
	assert.Equal(t, "unknown", KillReason(0).String())
}
