package app

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/Stage/internal/domain"
)

func TestRegistryUserLifecycle(t *testing.T) {
	r := NewRegistry()

	u := r.GetOrCreateUser("sid-1")
	require.Equal(t, "guest", u.Name)
	require.Equal(t, domain.UserID("sid-1"), u.ID)
	require.Same(t, u, r.GetOrCreateUser("sid-1"))

	r.UpdateUsername("sid-1", "alice")
	require.Equal(t, "alice", u.Name)

	// Oversized names are rejected, the old one stays.
	long := make([]byte, domain.MaxUsernameLen+1)
	for i := range long {
		long[i] = 'x'
	}
	r.UpdateUsername("sid-1", string(long))
	require.Equal(t, "alice", u.Name)
}

func TestRegistrySessionBinding(t *testing.T) {
	r := NewRegistry()
	sess := &Session{}

	_, ok := r.Get("sid-1")
	require.False(t, ok)

	r.Bind("sid-1", sess)
	got, ok := r.Get("sid-1")
	require.True(t, ok)
	require.Same(t, sess, got)

	r.Unbind("sid-1")
	_, ok = r.Get("sid-1")
	require.False(t, ok)
}
