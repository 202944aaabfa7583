package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/p2p-share/internal/directory"
	"github.com/zot/p2p-share/internal/identity"
	"github.com/zot/p2p-share/internal/registry"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", FileName)
	s, err := Open(path)
	require.NoError(t, err)
	return s, path
}

func TestFilesSurviveReopen(t *testing.T) {
	s, path := openTemp(t)
	fd := directory.FileDescriptor{
		Key:       directory.KeyForBytes([]byte("abc")).String(),
		Name:      "abc.txt",
		Size:      3,
		MediaType: "text/plain; charset=utf-8",
		Path:      "/srv/files/abc.txt",
	}
	require.NoError(t, s.PutFile(fd))
	require.NoError(t, s.Close())

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	files, err := s.Files()
	require.NoError(t, err)
	assert.Equal(t, []directory.FileDescriptor{fd}, files)

	require.NoError(t, s.DeleteFile(fd.Key))
	require.NoError(t, s.DeleteFile("unknown"))
	files, err = s.Files()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestGroupsOrderedByCreation(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	creator, err := identity.Generate()
	require.NoError(t, err)

	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	later := registry.GroupInfo{ID: "a", Name: "later", CreatedBy: creator.ID(), CreatedAt: t0.Add(time.Minute)}
	earlier := registry.GroupInfo{ID: "b", Name: "earlier", CreatedBy: creator.ID(), CreatedAt: t0}
	require.NoError(t, s.PutGroup(GroupRecord{Info: later}))
	require.NoError(t, s.PutGroup(GroupRecord{Info: earlier}))
	require.NoError(t, s.PutGroup(GroupRecord{Info: earlier, Subscribed: true}))

	groups, err := s.Groups()
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "earlier", groups[0].Info.Name)
	assert.True(t, groups[0].Subscribed)
	assert.Equal(t, "later", groups[1].Info.Name)
	assert.False(t, groups[1].Subscribed)
	assert.True(t, groups[1].Info.CreatedAt.Equal(later.CreatedAt))
	assert.Equal(t, creator.ID(), groups[0].Info.CreatedBy)
}
