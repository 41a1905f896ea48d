package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	members map[string]bool
	calls   int
	err     error
}

func (p *stubProvider) IsMember(_ context.Context, workspaceID, userID string) (bool, error) {
	p.calls++
	if p.err != nil {
		return false, p.err
	}
	return p.members[workspaceID+"/"+userID], nil
}

func TestMemberDirectoryCachesAnswers(t *testing.T) {
	provider := &stubProvider{members: map[string]bool{"w1/u1": true}}
	dir := NewMemberDirectory(provider, 50*time.Millisecond, 0)
	ctx := context.Background()

	ok, err := dir.IsMember(ctx, "w1", "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = dir.IsMember(ctx, "w1", "u2")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _ = dir.IsMember(ctx, "w1", "u1")
	_, _ = dir.IsMember(ctx, "w1", "u2")
	assert.Equal(t, 2, provider.calls)

	time.Sleep(80 * time.Millisecond)
	ok, err = dir.IsMember(ctx, "w1", "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, provider.calls)
}

func TestMemberDirectoryEvictsExpiredAnswers(t *testing.T) {
	provider := &stubProvider{members: map[string]bool{"w1/u1": true}}
	dir := NewMemberDirectory(provider, 20*time.Millisecond, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = dir.Run(ctx) }()

	for _, user := range []string{"u1", "u2", "u3"} {
		_, err := dir.IsMember(ctx, "w1", user)
		require.NoError(t, err)
	}
	require.Equal(t, uint64(0), dir.cache.Metrics().Evictions)

	require.Eventually(t, func() bool {
		return dir.cache.Metrics().Evictions == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, dir.cache.Items())
}

func TestMemberDirectoryIsBounded(t *testing.T) {
	provider := &stubProvider{}
	dir := NewMemberDirectory(provider, time.Minute, 2)
	ctx := context.Background()

	for _, user := range []string{"u1", "u2", "u3"} {
		_, _ = dir.IsMember(ctx, "w1", user)
	}
	assert.Equal(t, 2, dir.cache.Len())

	_, _ = dir.IsMember(ctx, "w1", "u1")
	assert.Equal(t, 4, provider.calls)
}

func TestMemberDirectoryInvalidate(t *testing.T) {
	provider := &stubProvider{members: map[string]bool{"w1/u1": true}}
	dir := NewMemberDirectory(provider, 0, 0)
	ctx := context.Background()

	_, _ = dir.IsMember(ctx, "w1", "u1")
	_, _ = dir.IsMember(ctx, "w2", "u1")
	dir.Invalidate("w1")
	_, _ = dir.IsMember(ctx, "w1", "u1")
	_, _ = dir.IsMember(ctx, "w2", "u1")
	assert.Equal(t, 3, provider.calls)
}

func TestMemberDirectoryErrorsAreNotCached(t *testing.T) {
	provider := &stubProvider{err: errors.New("down")}
	dir := NewMemberDirectory(provider, 0, 0)
	ctx := context.Background()

	_, err := dir.IsMember(ctx, "w1", "u1")
	require.Error(t, err)
	_, err = dir.IsMember(ctx, "w1", "u1")
	require.Error(t, err)
	assert.Equal(t, 2, provider.calls)
}

func TestMemberDirectoryBlankIDs(t *testing.T) {
	provider := &stubProvider{}
	ok, err := NewMemberDirectory(provider, 0, 0).IsMember(context.Background(), " ", "u1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, provider.calls)
}
