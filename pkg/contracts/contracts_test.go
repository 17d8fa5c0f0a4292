package contracts

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScalarUnmarshal(t *testing.T) {
	var m ContextMap
	err := json.Unmarshal([]byte(`{"region":"eu-west-1","attempts":3,"sandbox":true}`), &m)
	require.NoError(t, err)

	assert.Equal(t, StringScalar("eu-west-1"), m["region"])
	assert.Equal(t, IntScalar(3), m["attempts"])
	assert.Equal(t, BoolScalar(true), m["sandbox"])
}

func TestScalarRejectsFloatsAndNesting(t *testing.T) {
	cases := []string{
		`{"ratio":0.5}`,
		`{"nested":{"a":1}}`,
		`{"list":[1,2]}`,
		`{"nothing":null}`,
	}
	for _, c := range cases {
		var m ContextMap
		assert.Error(t, json.Unmarshal([]byte(c), &m), "input %s", c)
	}
}

func TestScalarRoundTrip(t *testing.T) {
	in := ContextMap{
		"k1": StringScalar("v"),
		"k2": IntScalar(-42),
		"k3": BoolScalar(false),
	}
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	var out ContextMap
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in, out)
}

func TestVerdictMeet(t *testing.T) {
	assert.Equal(t, VerdictDeny, VerdictAllow.Meet(VerdictDeny))
	assert.Equal(t, VerdictDeny, VerdictDeny.Meet(VerdictEscalate))
	assert.Equal(t, VerdictEscalate, VerdictAllow.Meet(VerdictEscalate))
	assert.Equal(t, VerdictAllow, VerdictAllow.Meet(VerdictAllow))
}

func TestVerdictJSON(t *testing.T) {
	for _, v := range []Verdict{VerdictAllow, VerdictEscalate, VerdictDeny} {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		var back Verdict
		require.NoError(t, json.Unmarshal(raw, &back))
		assert.Equal(t, v, back)
	}

	var v Verdict
	assert.Error(t, json.Unmarshal([]byte(`"maybe"`), &v))
}

func TestValidIdentifier(t *testing.T) {
	valid := []string{"model", "search_web", "pii", "acme-corp", "a/b.c:d", "T-1000"}
	for _, s := range valid {
		assert.True(t, ValidIdentifier(s), "%q should be valid", s)
	}

	invalid := []string{"", "has space", "café", strings.Repeat("a", 129)}
	for _, s := range invalid {
		assert.False(t, ValidIdentifier(s), "%q should be invalid", s)
	}
}

func TestDigestHexRoundTrip(t *testing.T) {
	d := NewDigest([]byte("payload"))
	parsed, err := ParseDigest(d.Hex())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)

	_, err = ParseDigest("abc")
	assert.Error(t, err)

	assert.True(t, Digest{}.IsZero())
	assert.False(t, d.IsZero())
}

func TestContextMapSortedKeys(t *testing.T) {
	m := ContextMap{"b": IntScalar(1), "a": IntScalar(2), "c": IntScalar(3)}
	assert.Equal(t, []string{"a", "b", "c"}, m.SortedKeys())
}
