package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/agent-api/core/pkg/agent"
	"github.com/agent-api/core/types"
	"github.com/agent-api/ollama"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/bdougie/posepace/internal/models"
)

// Engine is the pose detector. Detect may be slow; callers must not issue a
// second call before the first returns.
type Engine interface {
	Detect(ctx context.Context, img image.Image) (*models.Pose, error)
	Stop() error
}

const systemPrompt = "You are a human pose estimation assistant. You locate body landmarks in images and answer only with JSON."

const posePrompt = `Locate the 33 body landmarks of the most prominent person in this image, using the
MediaPipe/BlazePose landmark order (0 nose, 11 left shoulder, 12 right shoulder, 13 left elbow,
14 right elbow, 15 left wrist, 16 right wrist, 23 left hip, 24 right hip, 25 left knee,
26 right knee, 27 left ankle, 28 right ankle, and so on).
Answer with a single JSON object of the form
{"landmarks":[{"type":0,"x":0,"y":0,"z":0,"likelihood":0.0}, ...]}
where x and y are pixel coordinates in this image. If nobody is visible answer {"landmarks":[]}.`

// OllamaConfig selects the vision model.
type OllamaConfig struct {
	BaseURL string
	Port    int
	Model   string
}

// OllamaEngine asks a local vision model for pose landmarks.
type OllamaEngine struct {
	agent      *agent.DefaultAgent
	logger     *slog.Logger
	scratchDir string
}

// NewOllamaEngine checks that Ollama is reachable and sets up the agent.
func NewOllamaEngine(ctx context.Context, logger *slog.Logger, cfg OllamaConfig) (*OllamaEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := ping(ctx, fmt.Sprintf("%s:%d/api/tags", cfg.BaseURL, cfg.Port)); err != nil {
		return nil, errors.Wrap(err, "ollama is not reachable")
	}

	provider := ollama.NewProvider(&ollama.ProviderOpts{
		Logger:  logger,
		BaseURL: cfg.BaseURL,
		Port:    cfg.Port,
	})
	provider.UseModel(ctx, &types.Model{ID: cfg.Model})

	scratch, err := os.MkdirTemp("", "posepace-")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create scratch directory")
	}

	return &OllamaEngine{
		agent: agent.NewAgent(&agent.NewAgentConfig{
			Provider:     provider,
			Logger:       logger,
			SystemPrompt: systemPrompt,
		}),
		logger:     logger,
		scratchDir: scratch,
	}, nil
}

func ping(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

// Detect writes img to a scratch file, since the agent takes image paths, and
// parses the landmarks out of the reply.
func (e *OllamaEngine) Detect(ctx context.Context, img image.Image) (*models.Pose, error) {
	path := filepath.Join(e.scratchDir, uuid.NewString()+".jpg")
	if err := imaging.Save(img, path, imaging.JPEGQuality(90)); err != nil {
		return nil, errors.Wrap(err, "failed to write snapshot")
	}
	defer os.Remove(path)

	response := e.agent.Run(
		ctx,
		agent.WithInput(posePrompt),
		agent.WithImagePath(path),
	)
	if response.Err != nil {
		return nil, response.Err
	}
	if len(response.Messages) == 0 {
		return nil, errors.New("no response messages received from model")
	}

	content := response.Messages[len(response.Messages)-1].Content
	e.logger.Debug("model reply", "content", content)
	return parsePose(content)
}

// Stop removes the scratch directory.
func (e *OllamaEngine) Stop() error {
	return os.RemoveAll(e.scratchDir)
}

// parsePose extracts the landmark JSON object from a model reply, which may
// wrap it in prose or a code fence.
func parsePose(content string) (*models.Pose, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return nil, errors.Errorf("no JSON object in model reply %q", truncate(content, 80))
	}

	var pose models.Pose
	if err := json.Unmarshal([]byte(content[start:end+1]), &pose); err != nil {
		return nil, errors.Wrap(err, "failed to decode landmarks")
	}
	return &pose, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
