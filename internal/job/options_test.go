package job

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptionsValidateRejectsMultipleDependencyFlags(t *testing.T) {
	o := Options{FailParentOnFailure: true, ContinueParentOnFailure: true}
	require.Error(t, o.Validate())
}

func TestOptionsValidateAllowsOneDependencyFlag(t *testing.T) {
	o := Options{FailParentOnFailure: true}
	require.NoError(t, o.Validate())
}

func TestOptionsValidateRejectsNegativeDelayAndPriority(t *testing.T) {
	require.Error(t, (&Options{Delay: -1}).Validate())
	require.Error(t, (&Options{Priority: -1}).Validate())
}

func TestNormalizeBackoffIntBecomesFixed(t *testing.T) {
	b := NormalizeBackoff(5000)
	require.Equal(t, Backoff{Type: "fixed", Delay: 5000}, b)
}

func TestNormalizeBackoffDefaultsType(t *testing.T) {
	b := NormalizeBackoff(Backoff{Delay: 200})
	require.Equal(t, "fixed", b.Type)
}

func TestOptionsMarshalUnmarshalRoundTrip(t *testing.T) {
	o := Options{Priority: 3, Attempts: 5, Deduplication: &Deduplication{ID: "x"}}
	s, err := o.Marshal()
	require.NoError(t, err)

	back, err := UnmarshalOptions(s)
	require.NoError(t, err)
	require.Equal(t, o.Priority, back.Priority)
	require.Equal(t, o.Attempts, back.Attempts)
	require.Equal(t, "x", back.Deduplication.ID)
}

func TestUnmarshalOptionsEmptyString(t *testing.T) {
	o, err := UnmarshalOptions("")
	require.NoError(t, err)
	require.Equal(t, Options{}, o)
}
