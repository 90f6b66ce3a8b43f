package refdoc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRefDoc(t *testing.T, root, subject, name, content string) {
	t.Helper()
	dir := filepath.Join(root, subject)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".md"), []byte(content), 0o644))
}

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	root := t.TempDir()
	writeRefDoc(t, root, "physics", "laws-of-motion", "Newton's laws.")
	writeRefDoc(t, root, "physics", "work-energy-and-power", "Work and energy.")
	writeRefDoc(t, root, "chemistry", "chemical-bonding", "Bonds.")

	r, err := NewResolver(root)
	require.NoError(t, err)
	return r
}

func TestResolveExactSlug(t *testing.T) {
	r := newTestResolver(t)

	doc, err := r.Resolve("Physics", "Laws of Motion")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "laws-of-motion", doc.Chapter)
	assert.Equal(t, "Newton's laws.", doc.Content)
}

func TestResolveKeywordOverlap(t *testing.T) {
	r := newTestResolver(t)

	// "work energy power" hits 3 of 3 keywords of work-energy-and-power.
	doc, err := r.Resolve("physics", "Work Energy Power")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "work-energy-and-power", doc.Chapter)
}

func TestResolveFuzzyTypo(t *testing.T) {
	r := newTestResolver(t)

	doc, err := r.Resolve("chemistry", "chemical-bondng")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "chemical-bonding", doc.Chapter)
}

func TestResolveMissBelowThresholds(t *testing.T) {
	r := newTestResolver(t)

	doc, err := r.Resolve("physics", "organic chemistry basics")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestResolveUnknownSubject(t *testing.T) {
	r := newTestResolver(t)

	doc, err := r.Resolve("biology", "cells")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestResolverMissingRootIsEmpty(t *testing.T) {
	r, err := NewResolver(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)

	doc, err := r.Resolve("physics", "laws of motion")
	require.NoError(t, err)
	assert.Nil(t, doc)
}
