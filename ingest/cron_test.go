package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateCron(t *testing.T) {
	require.NoError(t, ValidateCron("*/5 * * * *", "UTC"))
	require.NoError(t, ValidateCron("0 9 * * MON-FRI", "Europe/Moscow"))
	require.NoError(t, ValidateCron("30 3 1 JAN *", "UTC"))

	require.ErrorIs(t, ValidateCron("not a cron", "UTC"), ErrInvalidCron)
	require.ErrorIs(t, ValidateCron("* * * *", "UTC"), ErrInvalidCron)
	require.ErrorIs(t, ValidateCron("*/5 * * * *", "Mars/Olympus"), ErrInvalidCron)
}

func TestCronNext(t *testing.T) {
	var after = time.Date(2024, 3, 10, 11, 7, 0, 0, time.UTC)

	next, err := CronNext("*/15 * * * *", "UTC", after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 3, 10, 11, 15, 0, 0, time.UTC), next.UTC())

	// 09:00 Moscow is 06:00 UTC.
	next, err = CronNext("0 9 * * *", "Europe/Moscow", after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 3, 11, 6, 0, 0, 0, time.UTC), next.UTC())
}

func TestCronNextIsPure(t *testing.T) {
	var after = time.Date(2024, 3, 10, 11, 7, 0, 0, time.UTC)
	first, err := CronNext("0 * * * *", "UTC", after)
	require.NoError(t, err)
	second, err := CronNext("0 * * * *", "UTC", after)
	require.NoError(t, err)
	require.Equal(t, first, second)
}
