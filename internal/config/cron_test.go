package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCronFromInterval(t *testing.T) {
	cases := []struct {
		seconds int
		want    string
	}{
		{0, ""},
		{-5, ""},
		{86400, "0 0 * * *"},
		{2 * 86400, "@every 172800s"},
		{3600, "0 * * * *"},
		{4 * 3600, "0 */4 * * *"},
		{6 * 3600, "0 */6 * * *"},
		{5 * 3600, "@every 18000s"}, // 24 % 5 != 0
		{900, "*/15 * * * *"},
		{420, "@every 420s"}, // 60 % 7 != 0
		{90, "@every 90s"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CronFromInterval(tc.seconds), "interval %d", tc.seconds)
	}
}

func TestCronFromIntervalAlwaysValid(t *testing.T) {
	for _, seconds := range []int{60, 90, 900, 3600, 5 * 3600, 86400, 7 * 86400} {
		expr := CronFromInterval(seconds)
		require.NoError(t, ValidateCron(expr), "interval %d produced %q", seconds, expr)
	}
}

func TestValidateCron(t *testing.T) {
	require.NoError(t, ValidateCron(""))
	require.NoError(t, ValidateCron("0 * * * *"))
	require.NoError(t, ValidateCron("@every 30s"))
	require.Error(t, ValidateCron("not a cron"))
	require.Error(t, ValidateCron("61 * * * *"))
}
