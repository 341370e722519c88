package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTime(t *testing.T) {
	want := time.Date(2024, 3, 1, 12, 30, 5, 0, time.UTC)
	for _, in := range []string{"2024-03-01 12:30:05", "2024-03-01T12:30:05Z", "2024-03-01T14:30:05+02:00"} {
		got, err := parseTime(in)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), "%s parsed as %s", in, got)
		assert.Equal(t, time.UTC, got.Location())
	}

	_, err := parseTime("yesterday")
	assert.Error(t, err)
}

func TestParseRange(t *testing.T) {
	start, end, err := parseRange(options{mode: modeReconcile, start: "2024-03-01 12:00:00", end: "2024-03-01 12:05:00"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, end.Sub(start))

	_, _, err = parseRange(options{mode: modeReconcile, start: "2024-03-01 12:00:00"}, 0)
	assert.Error(t, err, "missing -end")

	_, _, err = parseRange(options{mode: modeReconcile, start: "2024-03-01 12:05:00", end: "2024-03-01 12:00:00"}, 0)
	assert.Error(t, err, "end before start")

	start, end, err = parseRange(options{mode: modeQueryDB}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, end.Sub(start))
}

func TestFormatSources(t *testing.T) {
	assert.Equal(t, "binance=100.0000 coinbase=101.5000", formatSources(map[string]float64{"coinbase": 101.5, "binance": 100}))
	assert.Equal(t, "", formatSources(nil))
}
