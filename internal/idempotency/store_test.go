package idempotency

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readerforge/internal/config"
)

func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "idempotency.db"), config.DefaultIdempotencyConfig())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }
	return s, &now
}

type fakeRequest struct {
	Subject string `json:"subject"`
	Chapter string `json:"chapter"`
	Grade   int    `json:"grade"`
}

func TestGenerateKeyDeterministic(t *testing.T) {
	s, _ := newTestStore(t)

	req := fakeRequest{Subject: "Physics", Chapter: "Waves", Grade: 11}
	k1, err := s.GenerateKey("generate", req, []string{"sha256:aa"})
	require.NoError(t, err)
	k2, err := s.GenerateKey("generate", req, []string{"sha256:aa"})
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := s.GenerateKey("generate", fakeRequest{Subject: "Physics", Chapter: "Waves", Grade: 12}, []string{"sha256:aa"})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	k4, err := s.GenerateKey("compile", req, []string{"sha256:aa"})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k4, "operation is part of the fingerprint")
}

func TestRegisterAndCheckDuplicate(t *testing.T) {
	s, _ := newTestStore(t)

	key, err := s.GenerateKey("generate", fakeRequest{Subject: "Physics"}, nil)
	require.NoError(t, err)

	_, found, err := s.CheckDuplicate(key)
	require.NoError(t, err)
	assert.False(t, found)

	record, created, err := s.RegisterRequest(key, "corr-1", map[string]string{"subject": "Physics"}, time.Hour)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, StateRegistered, record.State)
	assert.Equal(t, "corr-1", record.CorrelationID)
	assert.Equal(t, "Physics", record.Metadata["subject"])

	dup, found, err := s.CheckDuplicate(key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "corr-1", dup.CorrelationID)
}

func TestSecondRegistrationReturnsExisting(t *testing.T) {
	s, _ := newTestStore(t)

	key := "idem:deadbeef"
	first, created, err := s.RegisterRequest(key, "corr-1", nil, time.Hour)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := s.RegisterRequest(key, "corr-2", nil, time.Hour)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.CorrelationID, second.CorrelationID, "existing owner wins")
}

func TestCompleteStoresResult(t *testing.T) {
	s, _ := newTestStore(t)

	key := "idem:cafe"
	_, _, err := s.RegisterRequest(key, "corr-1", nil, time.Hour)
	require.NoError(t, err)

	result := json.RawMessage(`{"filePath":"/out/physics.json"}`)
	require.NoError(t, s.CompleteRequest("corr-1", result, ""))

	record, found, err := s.CheckDuplicate(key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StateCompleted, record.State)
	assert.JSONEq(t, string(result), string(record.Result))
}

func TestCompleteWithErrorMarksFailed(t *testing.T) {
	s, _ := newTestStore(t)

	key := "idem:f00d"
	_, _, err := s.RegisterRequest(key, "corr-1", nil, time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.CompleteRequest("corr-1", nil, "E-M3-GATE-FAIL: numeric check failed"))

	record, found, err := s.CheckDuplicate(key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StateFailed, record.State)
	assert.Contains(t, record.Error, "E-M3-GATE-FAIL")
}

func TestCompletionIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)

	key := "idem:1234"
	_, _, err := s.RegisterRequest(key, "corr-1", nil, time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.CompleteRequest("corr-1", json.RawMessage(`{"n":1}`), ""))

	// A late failure report must not overwrite the terminal state.
	require.NoError(t, s.CompleteRequest("corr-1", nil, "late error"))

	record, found, err := s.CheckDuplicate(key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StateCompleted, record.State)
	assert.JSONEq(t, `{"n":1}`, string(record.Result))
}

func TestCompleteUnknownCorrelation(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.CompleteRequest("never-registered", nil, "")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestExpiredRecordsAreMisses(t *testing.T) {
	s, now := newTestStore(t)

	key := "idem:abcd"
	_, _, err := s.RegisterRequest(key, "corr-1", nil, time.Minute)
	require.NoError(t, err)

	*now = now.Add(2 * time.Minute)
	_, found, err := s.CheckDuplicate(key)
	require.NoError(t, err)
	assert.False(t, found)

	// The slot is free again after expiry.
	_, created, err := s.RegisterRequest(key, "corr-2", nil, time.Minute)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestPurgeExpired(t *testing.T) {
	s, now := newTestStore(t)

	_, _, err := s.RegisterRequest("idem:a", "c1", nil, time.Minute)
	require.NoError(t, err)
	_, _, err = s.RegisterRequest("idem:b", "c2", nil, time.Hour)
	require.NoError(t, err)

	*now = now.Add(10 * time.Minute)
	removed, err := s.PurgeExpired()
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, found, err := s.CheckDuplicate("idem:b")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idempotency.db")

	s1, err := Open(path, config.DefaultIdempotencyConfig())
	require.NoError(t, err)
	_, _, err = s1.RegisterRequest("idem:persist", "corr-1", nil, time.Hour)
	require.NoError(t, err)
	require.NoError(t, s1.CompleteRequest("corr-1", json.RawMessage(`{"ok":true}`), ""))
	require.NoError(t, s1.Close())

	s2, err := Open(path, config.DefaultIdempotencyConfig())
	require.NoError(t, err)
	defer s2.Close()
	record, found, err := s2.CheckDuplicate("idem:persist")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StateCompleted, record.State)
}
