// Package batch implements the update-all-images workflow: a bounded worker
// pool fans out over directories, and within each directory keyword
// extraction and face indexing run as two parallel sub-tasks that are joined
// before the directory slot is released.
package batch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"deepstack-go/internal/deepstack"
	"deepstack-go/internal/imagefile"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Annotator is the slice of the vision service the batch workflow consumes.
type Annotator interface {
	DetectObjects(ctx context.Context, imagePath string) (*deepstack.ObjectDetectionResult, error)
	DetectScene(ctx context.Context, imagePath string) (*deepstack.SceneResult, error)
	RecognizeFaces(ctx context.Context, imagePath string) (*deepstack.RecognitionResult, error)
}

// DefaultWorkers caps how many directories are processed concurrently.
const DefaultWorkers = 5

// Summary reports the outcome for one directory.
type Summary struct {
	JobID     string        `json:"job_id"`
	Directory string        `json:"directory"`
	Images    int           `json:"images"`
	Failed    int           `json:"failed"`
	Elapsed   time.Duration `json:"elapsed"`
}

// keywordSidecar is written next to each image as <name>.keywords.json.
type keywordSidecar struct {
	Scene           string   `json:"scene"`
	SceneConfidence float64  `json:"scene_confidence"`
	Keywords        []string `json:"keywords"`
	GeneratedAt     string   `json:"generated_at"`
}

// faceSidecar is written next to each image as <name>.faces.json.
type faceSidecar struct {
	Faces       []string `json:"faces"`
	GeneratedAt string   `json:"generated_at"`
}

// Updater runs the batch workflow against a vision service.
type Updater struct {
	vision  Annotator
	workers int
	log     *log.Entry
}

// NewUpdater creates an Updater with the given directory concurrency cap.
func NewUpdater(vision Annotator, workers int) *Updater {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Updater{
		vision:  vision,
		workers: workers,
		log:     log.WithField("component", "batch"),
	}
}

// UpdateAll processes every directory through the worker pool. Directories
// are independent; a failing directory is reported in its summary and does
// not abort the rest. Ordering of summaries follows completion, not input.
func (u *Updater) UpdateAll(ctx context.Context, dirs []string) ([]Summary, error) {
	jobs := make(chan string)
	var (
		mu        sync.Mutex
		summaries []Summary
		wg        sync.WaitGroup
	)

	for i := 0; i < u.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for dir := range jobs {
				summary := u.processDirectory(ctx, dir)
				mu.Lock()
				summaries = append(summaries, summary)
				mu.Unlock()
			}
		}()
	}

	for _, dir := range dirs {
		select {
		case jobs <- dir:
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return summaries, ctx.Err()
		}
	}
	close(jobs)
	wg.Wait()

	return summaries, nil
}

// processDirectory runs keyword extraction and face indexing for one
// directory in parallel and joins both before returning.
func (u *Updater) processDirectory(ctx context.Context, dir string) Summary {
	summary := Summary{
		JobID:     uuid.New().String(),
		Directory: dir,
	}
	start := time.Now()
	logger := u.log.WithField("dir", dir).WithField("job", summary.JobID)

	images, err := listImages(dir)
	if err != nil {
		logger.Errorf("Failed to list directory: %v", err)
		summary.Failed++
		summary.Elapsed = time.Since(start)
		return summary
	}
	summary.Images = len(images)

	var (
		mu     sync.Mutex
		failed int
	)
	countFailure := func() {
		mu.Lock()
		failed++
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for _, img := range images {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if err := u.extractKeywords(gctx, img); err != nil {
				logger.Warnf("Keyword extraction failed for %s: %v", img, err)
				countFailure()
			}
		}
		return nil
	})
	g.Go(func() error {
		for _, img := range images {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if err := u.indexFaces(gctx, img); err != nil {
				logger.Warnf("Face indexing failed for %s: %v", img, err)
				countFailure()
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Warnf("Directory aborted: %v", err)
	}

	summary.Failed = failed
	summary.Elapsed = time.Since(start)
	logger.Infof("Processed %d image(s), %d failure(s) in %s", summary.Images, summary.Failed, summary.Elapsed)
	return summary
}

// extractKeywords classifies the scene and detects objects, then writes the
// combined keyword sidecar.
func (u *Updater) extractKeywords(ctx context.Context, imagePath string) error {
	scene, err := u.vision.DetectScene(ctx, imagePath)
	if err != nil {
		return err
	}
	objects, err := u.vision.DetectObjects(ctx, imagePath)
	if err != nil {
		return err
	}

	keywords := make([]string, 0, len(objects.ObjectCounts))
	for label := range objects.ObjectCounts {
		keywords = append(keywords, label)
	}

	sidecar := keywordSidecar{
		Scene:           scene.Scene,
		SceneConfidence: scene.Confidence,
		Keywords:        keywords,
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	return writeSidecar(imagePath+".keywords.json", sidecar)
}

// indexFaces recognizes faces and writes the face sidecar.
func (u *Updater) indexFaces(ctx context.Context, imagePath string) error {
	result, err := u.vision.RecognizeFaces(ctx, imagePath)
	if err != nil {
		return err
	}

	faces := make([]string, 0, len(result.Predictions))
	for _, p := range result.Predictions {
		faces = append(faces, p.UserID)
	}

	sidecar := faceSidecar{
		Faces:       faces,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}
	return writeSidecar(imagePath+".faces.json", sidecar)
}

func writeSidecar(path string, payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var images []string
	for _, entry := range entries {
		if entry.IsDir() || !imagefile.IsSupported(entry.Name()) {
			continue
		}
		images = append(images, filepath.Join(dir, entry.Name()))
	}
	return images, nil
}
