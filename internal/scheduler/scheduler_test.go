package scheduler

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddJobRejectsBadSchedule(t *testing.T) {
	s := New(zerolog.Nop())
	err := s.AddJob("not a cron expr", JobFunc{JobName: "noop", Fn: func() error { return nil }})
	require.Error(t, err)
}

func TestScheduledJobRuns(t *testing.T) {
	s := New(zerolog.Nop())
	var runs int32
	require.NoError(t, s.AddJob("* * * * * *", JobFunc{
		JobName: "tick",
		Fn:      func() error { atomic.AddInt32(&runs, 1); return nil },
	}))

	s.Start()
	defer s.Stop()

	deadline := time.After(3 * time.Second)
	for atomic.LoadInt32(&runs) == 0 {
		select {
		case <-deadline:
			t.Fatal("job never ran")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestRunNow(t *testing.T) {
	s := New(zerolog.Nop())
	ran := false
	require.NoError(t, s.RunNow(JobFunc{JobName: "once", Fn: func() error { ran = true; return nil }}))
	assert.True(t, ran)

	err := s.RunNow(JobFunc{JobName: "fails", Fn: func() error { return errors.New("boom") }})
	require.Error(t, err)
}
