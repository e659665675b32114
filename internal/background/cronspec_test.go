package background

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseCronSpecRejectsWrongFieldCount(t *testing.T) {
	_, err := parseCronSpec("* * *")
	require.Error(t, err)
}

func TestParseCronSpecEveryMinute(t *testing.T) {
	spec, err := parseCronSpec("* * * * *")
	require.NoError(t, err)
	require.True(t, spec.matches(time.Date(2026, 1, 1, 3, 17, 0, 0, time.UTC)))
}

func TestParseCronSpecSpecificTime(t *testing.T) {
	spec, err := parseCronSpec("30 9 * * 1-5")
	require.NoError(t, err)
	// 2026-02-02 is a Monday.
	require.True(t, spec.matches(time.Date(2026, 2, 2, 9, 30, 0, 0, time.UTC)))
	require.False(t, spec.matches(time.Date(2026, 2, 2, 9, 31, 0, 0, time.UTC)))
	// 2026-02-01 is a Sunday.
	require.False(t, spec.matches(time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)))
}

func TestParseCronSpecStep(t *testing.T) {
	spec, err := parseCronSpec("*/15 * * * *")
	require.NoError(t, err)
	require.True(t, spec.matches(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.True(t, spec.matches(time.Date(2026, 1, 1, 0, 15, 0, 0, time.UTC)))
	require.False(t, spec.matches(time.Date(2026, 1, 1, 0, 20, 0, 0, time.UTC)))
}

func TestParseCronSpecNormalizesSundayToZero(t *testing.T) {
	spec, err := parseCronSpec("0 0 * * 7")
	require.NoError(t, err)
	require.True(t, spec.daysOfWeek[0])
	require.False(t, spec.daysOfWeek[7])
}

func TestParseCronSpecRejectsOutOfRange(t *testing.T) {
	_, err := parseCronSpec("60 * * * *")
	require.Error(t, err)
}

func TestCronSpecNextFindsNextMatchingMinute(t *testing.T) {
	spec, err := parseCronSpec("0 */2 * * *")
	require.NoError(t, err)
	after := time.Date(2026, 1, 1, 1, 5, 0, 0, time.UTC)
	next := spec.next(after, time.UTC)
	require.Equal(t, time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC), next)
}

func TestParseCronSpecDayOfMonthOrDayOfWeek(t *testing.T) {
	spec, err := parseCronSpec("0 0 1 * 1")
	require.NoError(t, err)
	// Matches because it's the 1st, even though not a Monday.
	require.True(t, spec.matches(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	// Matches because it's a Monday (2026-03-02), even though not the 1st.
	require.True(t, spec.matches(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)))
	require.False(t, spec.matches(time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)))
}
