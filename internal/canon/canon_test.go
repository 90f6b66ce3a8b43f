package canon

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeString(t *testing.T) {
	assert.Equal(t, "a b c", NormalizeString("a  b\t\nc"))
	assert.Equal(t, "a b", NormalizeString("  a b  "))
	// NFC: e + combining acute composes to é.
	assert.Equal(t, "\u00e9", NormalizeString("e\u0301"))
}

func TestNormalizeStringIdempotent(t *testing.T) {
	inputs := []string{"", "plain", "a  b́  c", " x\ty \n z "}
	for _, in := range inputs {
		once := NormalizeString(in)
		assert.Equal(t, once, NormalizeString(once), "input %q", in)
	}
}

func TestCanonicalizeSortsKeys(t *testing.T) {
	a := map[string]interface{}{"b": 1, "a": 2, "c": map[string]interface{}{"z": 1, "y": 2}}
	b := map[string]interface{}{"c": map[string]interface{}{"y": 2, "z": 1}, "a": 2, "b": 1}

	ca, err := Canonicalize(a)
	require.NoError(t, err)
	cb, err := Canonicalize(b)
	require.NoError(t, err)
	if diff := cmp.Diff(string(ca), string(cb)); diff != "" {
		t.Fatalf("canonical forms differ (-a +b):\n%s", diff)
	}
	assert.Equal(t, `{"a":2,"b":1,"c":{"y":2,"z":1}}`, string(ca))
}

func TestCanonicalizeIdempotent(t *testing.T) {
	v := map[string]interface{}{"text": "a  b", "n": 3, "list": []interface{}{"x ", " y"}}
	once, err := Canonicalize(v)
	require.NoError(t, err)

	var roundTrip interface{}
	require.NoError(t, json.Unmarshal(once, &roundTrip))
	twice, err := Canonicalize(roundTrip)
	require.NoError(t, err)
	assert.Equal(t, string(once), string(twice))
}

func TestCanonicalizeIntegersStayIntegers(t *testing.T) {
	out, err := Canonicalize(map[string]interface{}{"n": 19})
	require.NoError(t, err)
	assert.Equal(t, `{"n":19}`, string(out))
}

func TestCanonicalizeStructUsesJSONTags(t *testing.T) {
	type req struct {
		Subject string `json:"subject"`
		Grade   string `json:"grade"`
		Skip    string `json:"-"`
	}
	out, err := Canonicalize(req{Subject: "Physics", Grade: "Class  XI", Skip: "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"grade":"Class XI","subject":"Physics"}`, string(out))
}

func TestHashDeterminism(t *testing.T) {
	v := map[string]interface{}{"chapter": "Laws of  Motion", "grade": "Class XI"}
	h1, err := Hash(v)
	require.NoError(t, err)
	h2, err := Hash(v)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.True(t, IsContentHash(h1))
}

func TestKeyShape(t *testing.T) {
	k, err := Key("llm-response", map[string]interface{}{"p": "x"})
	require.NoError(t, err)
	assert.Regexp(t, `^llm-response:[0-9a-f]{64}$`, k)
}

func TestIsContentHash(t *testing.T) {
	assert.False(t, IsContentHash("sha256:short"))
	assert.False(t, IsContentHash("md5:"+string(make([]byte, 64))))
	h := HashBytes([]byte("x"))
	assert.True(t, IsContentHash(h))
}
