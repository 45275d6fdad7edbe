package process

import (
	"errors"
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeProc(t *testing.T, pid string, exe string) string {
	t.Helper()

	root := t.TempDir()
	dir := filepath.Join(root, pid)
	require.NoError(t, os.MkdirAll(dir, 0755))
	if exe != "" {
		require.NoError(t, os.Symlink(exe, filepath.Join(dir, "exe")))
	}
	return root
}

func TestResolverExecutable(t *testing.T) {
	tests := []struct {
		name    string
		exe     string
		pid     uint32
		want    string
		wantErr error
	}{
		{name: "absolute", exe: "/usr/bin/sleep", pid: 123, want: "/usr/bin/sleep"},
		{name: "deleted binary", exe: "/opt/app (deleted)", pid: 123, want: "/opt/app (deleted)"},
		{name: "relative", exe: "sleep", pid: 123, wantErr: ErrNotAbsolute},
		{name: "no exe link", pid: 123, wantErr: os.ErrNotExist},
		{name: "gone", exe: "/usr/bin/sleep", pid: 456, wantErr: os.ErrNotExist},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := fakeProc(t, "123", tt.exe)
			r, err := NewResolver(WithProcRoot(root))
			require.NoError(t, err)

			got, err := r.Executable(tt.pid)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolverOwner(t *testing.T) {
	root := fakeProc(t, "77", "/bin/true")
	r, err := NewResolver(WithProcRoot(root))
	require.NoError(t, err)

	uid, err := r.Owner(77)
	require.NoError(t, err)
	assert.Equal(t, uint32(os.Getuid()), uid)

	_, err = r.Owner(78)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestResolverUsernameCaches(t *testing.T) {
	calls := 0
	lookup := func(uid string) (*user.User, error) {
		calls++
		if uid == "1000" {
			return &user.User{Uid: uid, Username: "alice"}, nil
		}
		return nil, user.UnknownUserIdError(4242)
	}

	r, err := NewResolver(WithUserLookup(lookup))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		name, err := r.Username(1000)
		require.NoError(t, err)
		assert.Equal(t, "alice", name)
	}
	assert.Equal(t, 1, calls)

	_, err = r.Username(4242)
	require.Error(t, err)
	var unknown user.UnknownUserIdError
	assert.True(t, errors.As(err, &unknown))

	// failures are not cached
	_, err = r.Username(4242)
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}
