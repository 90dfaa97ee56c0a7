package task

import (
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	for _, s := range Statuses {
		got, err := ParseStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	got, err := ParseStatus("cmd_error")
	require.NoError(t, err)
	assert.Equal(t, StatusCmdError, got)

	_, err = ParseStatus("sleeping")
	assert.Error(t, err)
}

func TestStartable(t *testing.T) {
	tests := []struct {
		status    Status
		startable bool
		auto      bool
	}{
		{StatusWaiting, true, true},
		{StatusRuntimeError, true, true},
		{StatusKilled, true, false},
		{StatusPaused, true, false},
		{StatusRunning, false, false},
		{StatusComplete, false, false},
		{StatusCmdError, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.startable, tt.status.Startable())
			assert.Equal(t, tt.auto, tt.status.AutoStartable())
		})
	}
}

func TestCompareAdmission(t *testing.T) {
	got := slices.Clone(Statuses)
	slices.SortStableFunc(got, CompareAdmission)

	assert.Equal(t, StatusWaiting, got[0])
	assert.Equal(t, StatusRuntimeError, got[1])
	assert.Equal(t, StatusRunning, got[len(got)-1])
}

func TestCompareDisplay(t *testing.T) {
	got := slices.Clone(Statuses)
	slices.SortStableFunc(got, CompareDisplay)

	assert.Equal(t, []Status{
		StatusRunning,
		StatusPaused,
		StatusWaiting,
		StatusRuntimeError,
		StatusKilled,
		StatusComplete,
		StatusCmdError,
	}, got)
}

func TestFormatDevices(t *testing.T) {
	assert.Equal(t, "", FormatDevices(nil))
	assert.Equal(t, "2", FormatDevices([]int{2}))
	assert.Equal(t, "0,3", FormatDevices([]int{0, 3}))
}

func TestInfo_RunningTime(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)

	info := Info{Status: StatusComplete, StartedAt: &start, FinishedAt: &end}
	assert.Equal(t, 90*time.Second, info.RunningTime(start.Add(time.Hour)))

	running := Info{Status: StatusRunning, StartedAt: &start}
	assert.Equal(t, 30*time.Second, running.RunningTime(start.Add(30*time.Second)))

	assert.Zero(t, Info{}.RunningTime(end))
}
