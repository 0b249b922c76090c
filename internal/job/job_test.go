package job

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateDataRejectsNonFiniteNumbers(t *testing.T) {
	err := ValidateData(json.RawMessage(`{"x":NaN}`))
	require.Error(t, err)
}

func TestValidateDataAcceptsOrdinaryPayload(t *testing.T) {
	err := ValidateData(json.RawMessage(`{"x":1,"y":[1,2,3]}`))
	require.NoError(t, err)
}

func TestMarshalDataNilBecomesJSONNull(t *testing.T) {
	raw, err := MarshalData(nil)
	require.NoError(t, err)
	require.Equal(t, "null", string(raw))
}

func TestMarshalDataStruct(t *testing.T) {
	raw, err := MarshalData(map[string]int{"a": 1})
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(raw))
}

func TestNewAppliesDefaults(t *testing.T) {
	j, err := New("1", "send-email", json.RawMessage(`{}`), Options{})
	require.NoError(t, err)
	require.Equal(t, 1, j.Attempts)
	require.NotZero(t, j.Timestamp)
}

func TestToHashFromHashRoundTrip(t *testing.T) {
	j, err := New("42", "resize-image", json.RawMessage(`{"path":"/tmp/a.png"}`), Options{Priority: 5})
	require.NoError(t, err)
	j.AttemptsMade = 2
	j.FailedReason = "boom"
	j.AppendStacktrace("line1", 5)

	h, err := j.ToHash()
	require.NoError(t, err)

	back, err := FromHash("42", h)
	require.NoError(t, err)
	require.Equal(t, j.Name, back.Name)
	require.JSONEq(t, string(j.Data), string(back.Data))
	require.Equal(t, j.AttemptsMade, back.AttemptsMade)
	require.Equal(t, j.FailedReason, back.FailedReason)
	require.Equal(t, []string{"line1"}, back.Stacktrace)
	require.Equal(t, j.Priority, back.Priority)
}

func TestFromHashEmptyReturnsNotFound(t *testing.T) {
	_, err := FromHash("missing", nil)
	require.Error(t, err)
}

func TestAppendStacktraceLimitZeroClears(t *testing.T) {
	j := &Job{Stacktrace: []string{"a", "b"}}
	j.AppendStacktrace("c", 0)
	require.Nil(t, j.Stacktrace)
}

func TestAppendStacktraceDropsOldest(t *testing.T) {
	j := &Job{}
	for i := 0; i < 5; i++ {
		j.AppendStacktrace(string(rune('a'+i)), 3)
	}
	require.Equal(t, []string{"c", "d", "e"}, j.Stacktrace)
}
