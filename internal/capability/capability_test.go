package capability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidateRoundTrip(t *testing.T) {
	m := NewManager([]byte("federation-secret"))

	token, err := m.Issue("core-registration", "root-broker", "core-7",
		[]string{"register", "query"}, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "core-registration", claims.Scope)
	assert.True(t, claims.HasPermission("register"))
	assert.False(t, claims.HasPermission("disconnect"))
}

func TestWildcardPermission(t *testing.T) {
	m := NewManager([]byte("k"))
	token, err := m.Issue("root", "root-broker", "root-broker", []string{"*"}, time.Minute)
	require.NoError(t, err)
	claims, err := m.Validate(token)
	require.NoError(t, err)
	assert.True(t, claims.HasPermission("anything"))
}

func TestExpiredTokenFailsValidation(t *testing.T) {
	m := NewManager([]byte("k"))
	token, err := m.Issue("scope", "root", "core", []string{"register"}, -time.Second)
	require.NoError(t, err)

	_, err = m.Validate(token)
	assert.Error(t, err)
}

func TestWrongKeyFailsValidation(t *testing.T) {
	m1 := NewManager([]byte("key-one"))
	m2 := NewManager([]byte("key-two"))

	token, err := m1.Issue("scope", "root", "core", []string{"register"}, time.Hour)
	require.NoError(t, err)

	_, err = m2.Validate(token)
	assert.Error(t, err)
}
