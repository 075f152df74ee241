package catalog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iammorganparry/clive/apps/relevance/internal/clock"
	"github.com/iammorganparry/clive/apps/relevance/internal/models"
	"github.com/iammorganparry/clive/apps/relevance/internal/spam"
	"github.com/iammorganparry/clive/apps/relevance/internal/store"
)

type recordingCreator struct {
	mu   sync.Mutex
	reqs []*models.CreatePatternRequest
	keys map[string]bool
}

func (c *recordingCreator) CreatePattern(_ context.Context, req *models.CreatePatternRequest) (*models.SpamPattern, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !req.PatternType.IsValid() {
		return nil, false, fmt.Errorf("%w: unknown pattern type %q", models.ErrInvalidInput, req.PatternType)
	}
	if c.keys == nil {
		c.keys = make(map[string]bool)
	}
	created := !c.keys[req.OwnerID+"/"+req.Key]
	c.keys[req.OwnerID+"/"+req.Key] = true
	c.reqs = append(c.reqs, req)
	return &models.SpamPattern{ID: req.Key, Key: req.Key}, created, nil
}

func (c *recordingCreator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reqs)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

const globalCatalog = `patterns:
  - key: parcel-fee
    type: keyword
    payload: "parcel,customs fee,redelivery"
    confidence: 0.8
  - key: premium-rate
    type: number-reputation
    payload: "+1900*"
    confidence: 0.9
    active: false
`

const ownerCatalog = `owner: o1
patterns:
  - key: crypto
    type: keyword
    payload: "re:bitcoin|crypto wallet"
    confidence: 1
  - key: other-owner
    owner: o2
    type: keyword
    payload: "prize"
    confidence: 0.5
`

func TestScan(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "global.yaml"), globalCatalog)
	writeFile(t, filepath.Join(dir, "owners", "o1.yml"), ownerCatalog)
	writeFile(t, filepath.Join(dir, "README.md"), "not a catalog")
	writeFile(t, filepath.Join(dir, "broken.yaml"), "patterns: [unterminated")

	files, errs := Scan([]string{dir, filepath.Join(dir, "missing")})
	require.Len(t, files, 2)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "broken.yaml")

	byPath := map[string]File{}
	for _, f := range files {
		byPath[filepath.Base(f.Path)] = f
	}
	global := byPath["global.yaml"]
	require.Len(t, global.Patterns, 2)
	assert.Equal(t, models.PatternKeyword, global.Patterns[0].Type)

	req := global.Patterns[1].Request(global.Owner)
	require.NotNil(t, req.Active)
	assert.False(t, *req.Active)
	assert.Equal(t, "", req.OwnerID)
	assert.Equal(t, 0.9, req.ConfidenceScore)

	owned := byPath["o1.yml"]
	assert.Equal(t, "o1", owned.Patterns[0].Request(owned.Owner).OwnerID)
	assert.Equal(t, "o2", owned.Patterns[1].Request(owned.Owner).OwnerID)
	assert.Nil(t, owned.Patterns[0].Request(owned.Owner).Active)
}

func TestSyncDirs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "global.yaml"), globalCatalog)
	writeFile(t, filepath.Join(dir, "bad.yaml"), `patterns:
  - type: keyword
    payload: "no key"
    confidence: 0.5
  - key: bad-type
    type: bayes
    payload: "x"
    confidence: 0.5
`)
	creator := &recordingCreator{}
	svc := NewSyncService(creator, []string{dir}, discardLogger())

	res, err := svc.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Files)
	assert.Equal(t, 2, res.Synced)
	assert.Equal(t, 2, res.Skipped)
	assert.Len(t, res.Errors, 2)

	res, err = svc.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Synced, "resync upserts the same keys")
	assert.Len(t, creator.keys, 2)
}

func TestResyncKeepsOperatorDeactivation(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "global.yaml"), globalCatalog)

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	classifier := spam.NewClassifier(store.NewPatternStore(db), nil, spam.Config{},
		clock.NewFake(time.UnixMilli(1_000)), nil, discardLogger())
	svc := NewSyncService(classifier, []string{dir}, discardLogger())
	ctx := context.Background()

	_, err = svc.Sync(ctx)
	require.NoError(t, err)
	list, err := classifier.ListPatterns(ctx, &models.ListPatternsRequest{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	byKey := map[string]*models.SpamPattern{}
	for _, p := range list {
		byKey[p.Key] = p
	}
	parcel := byKey["parcel-fee"]
	require.NotNil(t, parcel)
	assert.True(t, parcel.IsActive)
	assert.False(t, byKey["premium-rate"].IsActive)

	_, err = classifier.SetActive(ctx, parcel.ID, false)
	require.NoError(t, err)

	res, err := svc.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Synced)

	got, err := classifier.GetPattern(ctx, parcel.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}

func TestWatcherResyncsOnChange(t *testing.T) {
	dir := t.TempDir()
	creator := &recordingCreator{}
	svc := NewSyncService(creator, []string{dir}, discardLogger())
	w := NewWatcher(svc, 20*time.Millisecond, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-w.ready:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never became ready")
	}

	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")
	writeFile(t, filepath.Join(dir, "global.yaml"), globalCatalog)

	select {
	case <-w.synced:
	case <-time.After(5 * time.Second):
		t.Fatal("no resync after catalog change")
	}
	assert.GreaterOrEqual(t, creator.count(), 2)

	cancel()
	assert.NoError(t, <-done)
}
