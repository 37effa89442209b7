package identity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	aliceAddr = "0x1111111111111111111111111111111111111111"
	bobAddr   = "0x2222222222222222222222222222222222222222"
	ensAddr   = "0x3333333333333333333333333333333333333333"
)

func TestLoadStaticDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.yaml")
	content := "github:\n  Alice: \"" + aliceAddr + "\"\ntwitter:\n  bob: \"" + bobAddr + "\"\nnames:\n  vitalik.eth: \"" + ensAddr + "\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	dir, err := LoadStaticDirectory(path)
	require.NoError(t, err)
	ctx := context.Background()

	addr, err := dir.ResolveUsername(ctx, PlatformGitHub, "alice")
	require.NoError(t, err)
	assert.Equal(t, aliceAddr, addr)

	addr, err = dir.ResolveUsername(ctx, PlatformTwitter, "@Bob")
	require.NoError(t, err)
	assert.Equal(t, bobAddr, addr)

	_, err = dir.ResolveUsername(ctx, PlatformTwitter, "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	addr, err = dir.ResolveName(ctx, "Vitalik.eth")
	require.NoError(t, err)
	assert.Equal(t, ensAddr, addr)
}

func TestStaticDirectoryRejectsBadAddress(t *testing.T) {
	_, err := NewStaticDirectory(StaticFile{GitHub: map[string]string{"alice": "not-an-address"}})
	assert.Error(t, err)
}

type nameFunc func(ctx context.Context, name string) (string, error)

func (f nameFunc) ResolveName(ctx context.Context, name string) (string, error) { return f(ctx, name) }

func TestChainFallsThroughMisses(t *testing.T) {
	static, err := NewStaticDirectory(StaticFile{GitHub: map[string]string{"alice": aliceAddr}})
	require.NoError(t, err)
	ens := Names(nameFunc(func(_ context.Context, name string) (string, error) {
		if name == "vitalik.eth" {
			return ensAddr, nil
		}
		return "", ErrNotFound
	}))
	dir := Chain(static, nil, ens)
	ctx := context.Background()

	addr, err := dir.ResolveName(ctx, "vitalik.eth")
	require.NoError(t, err)
	assert.Equal(t, ensAddr, addr)

	addr, err = dir.ResolveUsername(ctx, PlatformGitHub, "alice")
	require.NoError(t, err)
	assert.Equal(t, aliceAddr, addr)

	_, err = dir.ResolveName(ctx, "nobody.eth")
	assert.ErrorIs(t, err, ErrNotFound)

	boom := errors.New("rpc down")
	failing := Chain(Names(nameFunc(func(context.Context, string) (string, error) { return "", boom })), ens)
	_, err = failing.ResolveName(ctx, "vitalik.eth")
	assert.ErrorIs(t, err, boom)
}

type countingDirectory struct {
	calls atomic.Int32
	delay time.Duration
}

func (c *countingDirectory) ResolveUsername(ctx context.Context, _ Platform, handle string) (string, error) {
	c.calls.Add(1)
	time.Sleep(c.delay)
	if handle == "alice" {
		return aliceAddr, nil
	}
	return "", ErrNotFound
}

func (c *countingDirectory) ResolveName(context.Context, string) (string, error) {
	return "", ErrNotFound
}

func TestCachedDirectoryCollapsesConcurrentLookups(t *testing.T) {
	upstream := &countingDirectory{delay: 50 * time.Millisecond}
	dir := NewCachedDirectory(upstream, nil, CacheConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr, err := dir.ResolveUsername(context.Background(), PlatformGitHub, "alice")
			assert.NoError(t, err)
			assert.Equal(t, aliceAddr, addr)
		}()
	}
	wg.Wait()
	assert.Less(t, upstream.calls.Load(), int32(10))
}

func TestCachedDirectoryHonoursCancellation(t *testing.T) {
	upstream := &countingDirectory{delay: 200 * time.Millisecond}
	dir := NewCachedDirectory(upstream, nil, CacheConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := dir.ResolveUsername(ctx, PlatformGitHub, "alice")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type gatedDirectory struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (g *gatedDirectory) ResolveUsername(ctx context.Context, _ Platform, _ string) (string, error) {
	if g.calls.Add(1) == 1 {
		close(g.started)
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-g.release:
		return aliceAddr, nil
	}
}

func (g *gatedDirectory) ResolveName(context.Context, string) (string, error) {
	return "", ErrNotFound
}

func TestCachedDirectorySharedLookupOutlivesFirstCaller(t *testing.T) {
	upstream := &gatedDirectory{started: make(chan struct{}), release: make(chan struct{})}
	dir := NewCachedDirectory(upstream, nil, CacheConfig{LoadTimeout: 5 * time.Second})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := dir.ResolveUsername(firstCtx, PlatformGitHub, "alice")
		firstErr <- err
	}()
	<-upstream.started

	type result struct {
		addr string
		err  error
	}
	second := make(chan result, 1)
	go func() {
		addr, err := dir.ResolveUsername(context.Background(), PlatformGitHub, "alice")
		second <- result{addr, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(upstream.release)
	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, aliceAddr, res.addr)
	assert.Equal(t, int32(1), upstream.calls.Load())
}

func TestDevDirectoryIsDeterministic(t *testing.T) {
	ctx := context.Background()
	first, err := DevDirectory{}.ResolveUsername(ctx, PlatformGitHub, "Alice")
	require.NoError(t, err)
	second, err := DevDirectory{}.ResolveUsername(ctx, PlatformGitHub, "@alice")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.True(t, IsAddress(first))

	other, err := DevDirectory{}.ResolveUsername(ctx, PlatformTwitter, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	_, err = DevDirectory{}.ResolveUsername(ctx, PlatformGitHub, " ")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIsAddress(t *testing.T) {
	assert.True(t, IsAddress(aliceAddr))
	assert.False(t, IsAddress("1111111111111111111111111111111111111111"))
	assert.False(t, IsAddress("0x123"))
	assert.False(t, IsAddress("0xZZ11111111111111111111111111111111111111"))
}
