package notification

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCadenceValid(t *testing.T) {
	for _, expr := range []string{
		"0 * * * *",    // hourly
		"*/15 * * * *", // every 15 minutes
		"0 9 * * 1-5",  // weekday mornings
		"30 18 * * 0",  // sunday evening
	} {
		_, err := ParseCadence(expr)
		assert.NoError(t, err, expr)
	}
}

func TestParseCadenceInvalid(t *testing.T) {
	for _, expr := range []string{
		"",
		"not a cron",
		"0 0 * *",         // four fields
		"* * * * * *",     // seconds field not accepted
		"@hourly @hourly", // garbage
		"61 * * * *",      // minute out of range
	} {
		_, err := ParseCadence(expr)
		assert.ErrorIs(t, err, ErrBadCadence, expr)
	}
}

func TestParseCadenceScheduleSemantics(t *testing.T) {
	sched, err := ParseCadence("0 * * * *")
	require.NoError(t, err)

	from := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	next := sched.Next(from)
	assert.Equal(t, time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC), next)
}

func TestCadenceFiredSinceLastCheck(t *testing.T) {
	sched, err := ParseCadence("0 * * * *")
	require.NoError(t, err)

	// The digester flushes when the next firing after the previous check
	// is not after now.
	lastCheck := time.Date(2026, 8, 24, 10, 59, 0, 0, time.UTC)
	now := lastCheck.Add(2 * time.Minute) // window covers 11:00
	assert.False(t, sched.Next(lastCheck).After(now), "11:00 fired inside the window")

	lastCheck = time.Date(2026, 8, 24, 10, 10, 0, 0, time.UTC)
	now = lastCheck.Add(time.Minute) // window ends 10:11, no firing
	assert.True(t, sched.Next(lastCheck).After(now))
}
