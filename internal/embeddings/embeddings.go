package embeddings

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/bdougie/posepace/internal/models"
	"github.com/bdougie/posepace/internal/posescore"
)

// ErrQueueFull is returned when more requests are outstanding than the queue
// can hold.
var ErrQueueFull = errors.New("embedding queue is full, try again later")

// Result represents the result of embedding generation
type Result struct {
	TimestampMs int64
	Embedding   []float32
	Error       error
}

// Work represents a unit of embedding work
type Work struct {
	TimestampMs int64
	Landmarks   []models.Landmark
	Cached      bool
	Result      chan<- Result
}

// Service turns detected poses into fixed-length joint angle vectors.
// Vectors of recorded poses are cached by landmark content, so a pose seen
// again on a later loop is not recomputed.
type Service struct {
	numWorkers int
	workQueue  chan Work
	cache      sync.Map // poseKey -> []float32
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// NewService starts numWorkers embedding workers (4 if numWorkers <= 0).
func NewService(numWorkers int) *Service {
	if numWorkers <= 0 {
		numWorkers = 4
	}

	service := &Service{
		numWorkers: numWorkers,
		workQueue:  make(chan Work, 100),
	}
	service.startWorkers()
	return service
}

// Dimensions is the length of every embedding.
func Dimensions() int {
	return posescore.NumAngles
}

func (s *Service) startWorkers() {
	for i := 0; i < s.numWorkers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for work := range s.workQueue {
				work.Result <- s.handle(work)
			}
		}()
	}
}

func (s *Service) handle(work Work) Result {
	var key uuid.UUID
	if work.Cached {
		key = poseKey(work.Landmarks)
		if cached, ok := s.cache.Load(key); ok {
			return Result{TimestampMs: work.TimestampMs, Embedding: cached.([]float32)}
		}
	}

	embedding, err := generateEmbedding(work.Landmarks)
	if err == nil && work.Cached {
		s.cache.Store(key, embedding)
	}
	return Result{
		TimestampMs: work.TimestampMs,
		Embedding:   embedding,
		Error:       err,
	}
}

// GetEmbedding requests the embedding of a recorded pose asynchronously. The
// returned channel receives exactly one Result.
func (s *Service) GetEmbedding(timestampMs int64, landmarks []models.Landmark) <-chan Result {
	return s.submit(Work{TimestampMs: timestampMs, Landmarks: landmarks, Cached: true})
}

func (s *Service) submit(work Work) <-chan Result {
	resultChan := make(chan Result, 1)
	work.Result = resultChan

	select {
	case s.workQueue <- work:
	default:
		resultChan <- Result{TimestampMs: work.TimestampMs, Error: ErrQueueFull}
	}
	return resultChan
}

// Embed is the synchronous form of GetEmbedding.
func (s *Service) Embed(timestampMs int64, landmarks []models.Landmark) ([]float32, error) {
	res := <-s.GetEmbedding(timestampMs, landmarks)
	return res.Embedding, res.Error
}

// EmbedQuery embeds a search pose. Query vectors bypass the cache.
func (s *Service) EmbedQuery(landmarks []models.Landmark) ([]float32, error) {
	res := <-s.submit(Work{TimestampMs: -1, Landmarks: landmarks})
	return res.Embedding, res.Error
}

// Forget drops all cached vectors, e.g. when a new video is loaded.
func (s *Service) Forget() {
	s.cache.Range(func(key, _ any) bool {
		s.cache.Delete(key)
		return true
	})
}

// poseKey identifies a pose by its landmark values.
func poseKey(landmarks []models.Landmark) uuid.UUID {
	buf := make([]byte, 0, len(landmarks)*32)
	for _, lm := range landmarks {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(lm.Type))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(lm.X))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(lm.Y))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(lm.Z))
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, buf)
}

func generateEmbedding(landmarks []models.Landmark) ([]float32, error) {
	angles, err := posescore.AnglesFromLandmarks(landmarks)
	if err != nil {
		return nil, errors.Wrap(err, "computing joint angles")
	}
	embedding := make([]float32, len(angles))
	for i, a := range angles {
		embedding[i] = float32(a)
	}
	return embedding, nil
}

// Close shuts down the embedding service and waits for all workers to finish
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.workQueue)
	})
	s.wg.Wait()
}
