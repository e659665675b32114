package contracts

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestVerdictRoundTrip(t *testing.T) {
	cases := []Verdict{
		NewAllow(),
		NewSuppress("dedup-emails", "matched"),
		NewDeduplicate(300),
		NewThrottle(3, 60),
		NewReroute("backup-provider"),
	}
	for _, v := range cases {
		data, err := json.Marshal(v)
		require.NoError(t, err)

		var out Verdict
		require.NoError(t, json.Unmarshal(data, &out))
		require.Equal(t, v, out)
	}
}

func TestVerdictAllowMarshalsAsBareString(t *testing.T) {
	data, err := json.Marshal(NewAllow())
	require.NoError(t, err)
	require.JSONEq(t, `"Allow"`, string(data))
}

func TestOutcomeThrottledRoundTrip(t *testing.T) {
	o := Throttled(45 * time.Second)
	data, err := json.Marshal(o)
	require.NoError(t, err)
	require.JSONEq(t, `{"Throttled":{"retry_after":{"secs":45,"nanos":0}}}`, string(data))

	var out ActionOutcome
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, 45*time.Second, out.RetryAfter)
	require.True(t, out.IsThrottled())
}

func TestOutcomeDeduplicatedIsBareString(t *testing.T) {
	data, err := json.Marshal(Deduplicated())
	require.NoError(t, err)
	require.JSONEq(t, `"Deduplicated"`, string(data))

	var out ActionOutcome
	require.NoError(t, json.Unmarshal(data, &out))
	require.True(t, out.IsDeduplicated())
}

func TestActionKeyCanonicalForm(t *testing.T) {
	k := NewActionKey("ns1", "tenant1", "act-1", "")
	require.Equal(t, ActionKey("ns1:tenant1:act-1"), k)

	withDisc := NewActionKey("ns1", "tenant1", "act-1", "dedup")
	require.Equal(t, ActionKey("ns1:tenant1:act-1:dedup"), withDisc)
}
