package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInodeResolver struct {
	inodes map[string]uint64
	calls  int
}

func (f *fakeInodeResolver) FindInode(remoteIP string) (uint64, bool) {
	f.calls++
	inode, ok := f.inodes[remoteIP]
	return inode, ok
}

type fakeScanner struct {
	pids  map[uint64]int32
	calls int
}

func (f *fakeScanner) ScanForInode(inode uint64) (int32, bool) {
	f.calls++
	pid, ok := f.pids[inode]
	return pid, ok
}

func TestProcessCacheResolve(t *testing.T) {
	inodes := &fakeInodeResolver{inodes: map[string]uint64{"8.8.8.8": 12345}}
	scanner := &fakeScanner{pids: map[uint64]int32{12345: 4242}}
	c := NewProcessCache(inodes, scanner)

	pid, ok := c.Resolve("8.8.8.8")
	require.True(t, ok)
	assert.Equal(t, int32(4242), pid)
}

func TestProcessCacheResolvesOncePerIP(t *testing.T) {
	inodes := &fakeInodeResolver{inodes: map[string]uint64{"8.8.8.8": 12345}}
	scanner := &fakeScanner{pids: map[uint64]int32{12345: 4242}}
	c := NewProcessCache(inodes, scanner)

	for i := 0; i < 5; i++ {
		pid, ok := c.Resolve("8.8.8.8")
		require.True(t, ok)
		assert.Equal(t, int32(4242), pid)
	}
	assert.Equal(t, 1, inodes.calls)
	assert.Equal(t, 1, scanner.calls)
}

func TestProcessCacheCachesMisses(t *testing.T) {
	inodes := &fakeInodeResolver{inodes: map[string]uint64{}}
	scanner := &fakeScanner{}
	c := NewProcessCache(inodes, scanner)

	for i := 0; i < 3; i++ {
		_, ok := c.Resolve("203.0.113.9")
		assert.False(t, ok)
	}
	assert.Equal(t, 1, inodes.calls, "a definitive miss is cached")
	assert.Zero(t, scanner.calls, "no inode means no process scan")
	assert.Equal(t, 1, c.Len())
}

func TestProcessCacheInodeWithoutOwner(t *testing.T) {
	inodes := &fakeInodeResolver{inodes: map[string]uint64{"8.8.8.8": 999}}
	scanner := &fakeScanner{pids: map[uint64]int32{}}
	c := NewProcessCache(inodes, scanner)

	_, ok := c.Resolve("8.8.8.8")
	assert.False(t, ok)

	_, ok = c.Resolve("8.8.8.8")
	assert.False(t, ok)
	assert.Equal(t, 1, scanner.calls)
}
