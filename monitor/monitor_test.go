package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFinalizeExpired_FiresOncePerStudy(t *testing.T) {
	m := New(50*time.Millisecond, nil)

	fired := make(map[string]int)
	m.OnComplete(func(studyUID string) { fired[studyUID]++ })

	m.UpdateActivity("1.2.3")
	m.UpdateActivity("1.2.4")
	require.Equal(t, 2, m.ActiveCount())

	// Neither study is expired yet.
	m.finalizeExpired(time.Now())
	assert.Empty(t, fired)
	assert.Equal(t, 2, m.ActiveCount())

	// Both expire once the window has elapsed.
	m.finalizeExpired(time.Now().Add(time.Second))
	assert.Equal(t, 1, fired["1.2.3"])
	assert.Equal(t, 1, fired["1.2.4"])
	assert.Equal(t, 0, m.ActiveCount())

	// A finalized study does not fire again without new activity.
	m.finalizeExpired(time.Now().Add(2 * time.Second))
	assert.Equal(t, 1, fired["1.2.3"])
}

func TestUpdateActivity_RestartsWindow(t *testing.T) {
	m := New(time.Minute, nil)

	var fired int
	m.OnComplete(func(string) { fired++ })

	m.UpdateActivity("1.2.3")
	almostExpired := time.Now().Add(59 * time.Second)
	m.finalizeExpired(almostExpired)
	require.Equal(t, 0, fired)

	// New activity resets the clock; the old deadline no longer applies.
	m.UpdateActivity("1.2.3")
	m.finalizeExpired(time.Now().Add(61 * time.Second).Add(-time.Minute))
	assert.Equal(t, 0, fired)
}

func TestRun_FinalizesInBackground(t *testing.T) {
	m := New(10*time.Millisecond, nil)

	done := make(chan string, 1)
	m.OnComplete(func(studyUID string) { done <- studyUID })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.UpdateActivity("1.2.3")

	select {
	case uid := <-done:
		assert.Equal(t, "1.2.3", uid)
	case <-time.After(5 * time.Second):
		t.Fatal("completion callback never fired")
	}
}
