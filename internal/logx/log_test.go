package logx

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetLevelAndGetLevelRoundTrip(t *testing.T) {
	t.Cleanup(func() { SetLevel("info") })

	require.NoError(t, SetLevel("debug"))
	require.Equal(t, "debug", GetLevel())

	require.NoError(t, SetLevel("error"))
	require.Equal(t, "error", GetLevel())

	require.NoError(t, SetLevel("disabled"))
	require.Equal(t, "disabled", GetLevel())

	require.NoError(t, SetLevel("info"))
	require.Equal(t, "info", GetLevel())
}

func TestSetLevelRejectsUnknownLevel(t *testing.T) {
	err := SetLevel("verbose")
	require.Error(t, err)
}

func TestEventFieldsOmitsZeroValues(t *testing.T) {
	e := Event{Operation: "relay.Publish"}
	fields := e.fields()
	require.Equal(t, []interface{}{"operation", "relay.Publish"}, fields)
}

func TestEventFieldsIncludesSetValues(t *testing.T) {
	e := Event{
		Operation:  "relay.Publish",
		PointerID:  "ptr-1",
		UserID:     "alice",
		Duration:   250 * time.Millisecond,
		StatusCode: 502,
		Err:        errors.New("upstream down"),
	}
	fields := e.fields()

	require.Contains(t, fields, "pointer_id")
	require.Contains(t, fields, "ptr-1")
	require.Contains(t, fields, "user_id")
	require.Contains(t, fields, "alice")
	require.Contains(t, fields, "duration_ms")
	require.Contains(t, fields, int64(250))
	require.Contains(t, fields, "status_code")
	require.Contains(t, fields, 502)
	require.Contains(t, fields, "error")
	require.Contains(t, fields, "upstream down")
}

func TestDebugInfoErrorDoNotPanic(t *testing.T) {
	require.NotPanics(t, func() {
		Debug(Event{Operation: "test.debug"})
		Info(Event{Operation: "test.info"})
		Error(Event{Operation: "test.error", Err: errors.New("boom")})
	})
}
