package dedup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestIsProcessedSizeMismatchSkipsHashing(t *testing.T) {
	dir := t.TempDir()
	ix := NewIndex(filepath.Join(dir, "hashes.json"))

	seen := writeFile(t, dir, "seen.md", "hello world")
	hash, _, err := HashFile(seen)
	require.NoError(t, err)
	require.NoError(t, ix.MarkProcessed(context.Background(), seen, hash, "p1"))

	fresh := writeFile(t, dir, "fresh.md", "different length content")
	res, err := ix.IsProcessed(context.Background(), fresh)
	require.NoError(t, err)
	assert.False(t, res.Processed)
	assert.Equal(t, MethodSizeMismatch, res.Method)
}

func TestIsProcessedHashMatch(t *testing.T) {
	dir := t.TempDir()
	ix := NewIndex(filepath.Join(dir, "hashes.json"))

	original := writeFile(t, dir, "doc.md", "identical bytes")
	hash, _, err := HashFile(original)
	require.NoError(t, err)
	require.NoError(t, ix.MarkProcessed(context.Background(), original, hash, "p1"))

	copied := writeFile(t, dir, "copy.md", "identical bytes")
	res, err := ix.IsProcessed(context.Background(), copied)
	require.NoError(t, err)
	assert.True(t, res.Processed)
	assert.Equal(t, MethodHashMatch, res.Method)
	require.NotNil(t, res.Existing)
	assert.Equal(t, "p1", res.Existing.ProjectID)
}

func TestIsProcessedSameSizeDifferentContent(t *testing.T) {
	dir := t.TempDir()
	ix := NewIndex(filepath.Join(dir, "hashes.json"))

	a := writeFile(t, dir, "a.md", "aaaa")
	hash, _, err := HashFile(a)
	require.NoError(t, err)
	require.NoError(t, ix.MarkProcessed(context.Background(), a, hash, "p1"))

	b := writeFile(t, dir, "b.md", "bbbb")
	res, err := ix.IsProcessed(context.Background(), b)
	require.NoError(t, err)
	assert.False(t, res.Processed)
	assert.Equal(t, MethodHashMismatch, res.Method)
}

func TestIndexPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hashes.json")

	ix := NewIndex(path)
	doc := writeFile(t, dir, "doc.md", "persisted content")
	hash, _, err := HashFile(doc)
	require.NoError(t, err)
	require.NoError(t, ix.MarkProcessed(context.Background(), doc, hash, "p1"))

	reopened := NewIndex(path)
	res, err := reopened.IsProcessed(context.Background(), doc)
	require.NoError(t, err)
	assert.True(t, res.Processed)
	assert.Equal(t, 1, reopened.Len())
}

func TestCleanupTrimsOldAndExcessEntries(t *testing.T) {
	dir := t.TempDir()
	ix := NewIndex(filepath.Join(dir, "hashes.json"))

	names := []string{"one.md", "two.md", "three.md"}
	for i, name := range names {
		doc := writeFile(t, dir, name, name+" content")
		hash, _, err := HashFile(doc)
		require.NoError(t, err)
		require.NoError(t, ix.MarkProcessed(context.Background(), doc, hash, "p1"))
		// Stagger ProcessedAt so LRU order is deterministic.
		ix.mu.Lock()
		ix.byHash[hash].ProcessedAt = time.Now().Add(time.Duration(i) * time.Minute)
		ix.mu.Unlock()
	}

	removed, err := ix.Cleanup(30, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, ix.Len())

	// The oldest entry is the one evicted.
	one := writeFile(t, dir, "one-again.md", "one.md content")
	res, err := ix.IsProcessed(context.Background(), one)
	require.NoError(t, err)
	assert.False(t, res.Processed)
}

func TestCleanupRemovesAgedEntries(t *testing.T) {
	dir := t.TempDir()
	ix := NewIndex(filepath.Join(dir, "hashes.json"))

	doc := writeFile(t, dir, "doc.md", "old content")
	hash, _, err := HashFile(doc)
	require.NoError(t, err)
	require.NoError(t, ix.MarkProcessed(context.Background(), doc, hash, "p1"))

	ix.mu.Lock()
	ix.byHash[hash].ProcessedAt = time.Now().AddDate(0, 0, -40)
	ix.mu.Unlock()

	removed, err := ix.Cleanup(30, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, ix.Len())
}

func TestHashBytesMatchesHashFile(t *testing.T) {
	dir := t.TempDir()
	doc := writeFile(t, dir, "doc.md", "same bytes")

	fromFile, size, err := HashFile(doc)
	require.NoError(t, err)
	assert.Equal(t, int64(len("same bytes")), size)
	assert.Equal(t, fromFile, HashBytes([]byte("same bytes")))
}
