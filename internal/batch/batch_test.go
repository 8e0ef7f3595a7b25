package batch

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"deepstack-go/internal/deepstack"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVision returns canned annotation results and can fail selected paths.
type fakeVision struct {
	mu         sync.Mutex
	inFlight   int32
	maxInUse   int32
	delay      time.Duration
	failPaths  map[string]bool
	seenImages map[string]int
}

func newFakeVision() *fakeVision {
	return &fakeVision{
		failPaths:  map[string]bool{},
		seenImages: map[string]int{},
	}
}

func (f *fakeVision) track(imagePath string) error {
	current := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		max := atomic.LoadInt32(&f.maxInUse)
		if current <= max || atomic.CompareAndSwapInt32(&f.maxInUse, max, current) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.seenImages[imagePath]++
	fail := f.failPaths[imagePath]
	f.mu.Unlock()

	if fail {
		return errors.New("annotation failed")
	}
	return nil
}

func (f *fakeVision) DetectObjects(_ context.Context, imagePath string) (*deepstack.ObjectDetectionResult, error) {
	if err := f.track(imagePath); err != nil {
		return nil, err
	}
	return &deepstack.ObjectDetectionResult{
		Success:      true,
		Count:        2,
		ObjectCounts: map[string]int{"car": 1, "person": 1},
	}, nil
}

func (f *fakeVision) DetectScene(_ context.Context, imagePath string) (*deepstack.SceneResult, error) {
	if err := f.track(imagePath); err != nil {
		return nil, err
	}
	return &deepstack.SceneResult{Success: true, Scene: "street", Confidence: 0.8}, nil
}

func (f *fakeVision) RecognizeFaces(_ context.Context, imagePath string) (*deepstack.RecognitionResult, error) {
	if err := f.track(imagePath); err != nil {
		return nil, err
	}
	return &deepstack.RecognitionResult{
		Success:     true,
		Count:       1,
		Predictions: []deepstack.FacePrediction{{UserID: "JohnDoe", Confidence: 0.9}},
	}, nil
}

func makeImageDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}
	return dir
}

func TestUpdateAllWritesSidecars(t *testing.T) {
	dir := makeImageDir(t, "a.jpg", "b.png", "notes.txt")

	updater := NewUpdater(newFakeVision(), 2)
	summaries, err := updater.UpdateAll(context.Background(), []string{dir})
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	assert.Equal(t, dir, summaries[0].Directory)
	assert.Equal(t, 2, summaries[0].Images, "non-image files are skipped")
	assert.Zero(t, summaries[0].Failed)
	assert.NotEmpty(t, summaries[0].JobID)

	for _, name := range []string{"a.jpg", "b.png"} {
		keywordData, err := os.ReadFile(filepath.Join(dir, name+".keywords.json"))
		require.NoError(t, err)
		var keywords keywordSidecar
		require.NoError(t, json.Unmarshal(keywordData, &keywords))
		assert.Equal(t, "street", keywords.Scene)
		assert.InDelta(t, 0.8, keywords.SceneConfidence, 1e-9)
		assert.ElementsMatch(t, []string{"car", "person"}, keywords.Keywords)
		assert.NotEmpty(t, keywords.GeneratedAt)

		faceData, err := os.ReadFile(filepath.Join(dir, name+".faces.json"))
		require.NoError(t, err)
		var faces faceSidecar
		require.NoError(t, json.Unmarshal(faceData, &faces))
		assert.Equal(t, []string{"JohnDoe"}, faces.Faces)
	}

	_, err = os.Stat(filepath.Join(dir, "notes.txt.keywords.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestUpdateAllCountsPerImageFailures(t *testing.T) {
	dir := makeImageDir(t, "good.jpg", "bad.jpg")

	vision := newFakeVision()
	vision.failPaths[filepath.Join(dir, "bad.jpg")] = true

	updater := NewUpdater(vision, 1)
	summaries, err := updater.UpdateAll(context.Background(), []string{dir})
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	// Both the keyword and the face sub-task fail for the bad image.
	assert.Equal(t, 2, summaries[0].Images)
	assert.Equal(t, 2, summaries[0].Failed)

	// The good image is still fully processed.
	_, err = os.Stat(filepath.Join(dir, "good.jpg.keywords.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "good.jpg.faces.json"))
	assert.NoError(t, err)
}

func TestUpdateAllMissingDirectoryDoesNotAbortOthers(t *testing.T) {
	good := makeImageDir(t, "a.jpg")
	missing := filepath.Join(t.TempDir(), "gone")

	updater := NewUpdater(newFakeVision(), 2)
	summaries, err := updater.UpdateAll(context.Background(), []string{missing, good})
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	byDir := map[string]Summary{}
	for _, s := range summaries {
		byDir[s.Directory] = s
	}
	assert.Equal(t, 1, byDir[missing].Failed)
	assert.Zero(t, byDir[missing].Images)
	assert.Zero(t, byDir[good].Failed)
	assert.Equal(t, 1, byDir[good].Images)
}

func TestUpdateAllRespectsWorkerCap(t *testing.T) {
	dirs := make([]string, 6)
	for i := range dirs {
		dirs[i] = makeImageDir(t, "a.jpg")
	}

	vision := newFakeVision()
	vision.delay = 20 * time.Millisecond

	updater := NewUpdater(vision, 2)
	_, err := updater.UpdateAll(context.Background(), dirs)
	require.NoError(t, err)

	// Two directory workers, each running two sub-tasks in parallel.
	assert.LessOrEqual(t, atomic.LoadInt32(&vision.maxInUse), int32(4))
}

func TestUpdateAllCancelledContext(t *testing.T) {
	dirs := make([]string, 10)
	for i := range dirs {
		dirs[i] = makeImageDir(t, "a.jpg")
	}

	vision := newFakeVision()
	vision.delay = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	updater := NewUpdater(vision, 1)
	summaries, err := updater.UpdateAll(ctx, dirs)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, len(summaries), len(dirs))
}

func TestNewUpdaterDefaultsWorkerCount(t *testing.T) {
	updater := NewUpdater(newFakeVision(), 0)
	assert.Equal(t, DefaultWorkers, updater.workers)
}
