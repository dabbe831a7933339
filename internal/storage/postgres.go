package storage

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"

	"github.com/bdougie/posepace/internal/models"
	"github.com/bdougie/posepace/internal/posescore"
)

// PostgresConfig holds connection details for PostgreSQL
type PostgresConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
}

// ConnString renders the config as a postgres URL.
func (c PostgresConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", c.User, c.Password, c.Host, c.Port, c.DBName)
}

// Embedder turns a detected pose into a fixed-length vector.
type Embedder interface {
	Embed(timestampMs int64, landmarks []models.Landmark) ([]float32, error)
	EmbedQuery(landmarks []models.Landmark) ([]float32, error)
}

// PoseMatch is one row returned by SearchSimilarPoses.
type PoseMatch struct {
	VideoName   string
	TimestampMs int64
	Unit        int64
	Similarity  float64
}

// PostgresStorage writes every record straight to PostgreSQL, with the joint
// angle vector in a pgvector column.
type PostgresStorage struct {
	pool      *pgxpool.Pool
	embedder  Embedder
	videoID   int
	videoName string
	recorded  atomic.Int64
}

// NewPostgresStorage creates a new PostgreSQL storage connection. An empty
// videoName opens the store for searching only.
func NewPostgresStorage(ctx context.Context, config PostgresConfig, videoName string, embedder Embedder) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, config.ConnString())
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	s := &PostgresStorage{
		pool:      pool,
		embedder:  embedder,
		videoName: videoName,
	}
	if videoName == "" {
		return s, nil
	}
	videoID, err := s.getOrCreateVideo(ctx, videoName)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.videoID = videoID
	return s, nil
}

// Close closes the database connection
func (s *PostgresStorage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStorage) getOrCreateVideo(ctx context.Context, videoName string) (int, error) {
	var id int
	err := s.pool.QueryRow(ctx, "SELECT id FROM videos WHERE name = $1", videoName).Scan(&id)
	if err == nil {
		return id, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return 0, errors.Wrap(err, "error checking for existing video")
	}

	err = s.pool.QueryRow(ctx,
		"INSERT INTO videos (name, created_at) VALUES ($1, $2) RETURNING id",
		videoName, time.Now()).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create video entry")
	}
	return id, nil
}

// Record inserts the pose. A partial pose is stored without a vector.
func (s *PostgresStorage) Record(ctx context.Context, rec models.ResultRecord) error {
	vec, err := s.vectorFor(rec)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO poses
		(video_id, timestamp_ms, unit, landmark_count, score, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (video_id, timestamp_ms) DO UPDATE
		SET score = EXCLUDED.score, embedding = EXCLUDED.embedding`,
		s.videoID, rec.TimestampMs, rec.Unit, len(rec.Landmarks), rec.Score, vec, time.Now())
	if err != nil {
		return errors.Wrap(err, "failed to store pose")
	}
	s.recorded.Add(1)
	return nil
}

// Flush marks the video as fully analyzed. Rows are already written by
// Record, so path is unused.
func (s *PostgresStorage) Flush(ctx context.Context, _ string) error {
	_, err := s.pool.Exec(ctx, "UPDATE videos SET completed_at = $1 WHERE id = $2", time.Now(), s.videoID)
	if err != nil {
		return errors.Wrap(err, "failed to mark video completed")
	}
	return nil
}

// Len is always zero; nothing is buffered.
func (s *PostgresStorage) Len() int {
	return 0
}

// Recorded returns how many poses were written in this session.
func (s *PostgresStorage) Recorded() int64 {
	return s.recorded.Load()
}

// SearchSimilarPoses finds the stored poses closest to landmarks, across all
// videos.
func (s *PostgresStorage) SearchSimilarPoses(ctx context.Context, landmarks []models.Landmark, limit int) ([]PoseMatch, error) {
	if s.embedder == nil {
		return nil, errors.New("no embedder configured")
	}
	query, err := s.embedder.EmbedQuery(landmarks)
	if err != nil {
		return nil, errors.Wrap(err, "failed to embed query pose")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT v.name, p.timestamp_ms, p.unit,
		1 - (p.embedding <=> $1) AS similarity
		FROM poses p
		JOIN videos v ON p.video_id = v.id
		WHERE p.embedding IS NOT NULL
		ORDER BY p.embedding <=> $1
		LIMIT $2`,
		pgvector.NewVector(query), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to search similar poses")
	}
	defer rows.Close()

	var matches []PoseMatch
	for rows.Next() {
		var m PoseMatch
		if err := rows.Scan(&m.VideoName, &m.TimestampMs, &m.Unit, &m.Similarity); err != nil {
			return nil, errors.Wrap(err, "failed to scan search results")
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// vectorFor embeds rec. It returns nil for a partial pose or when no
// embedder is configured.
func (s *PostgresStorage) vectorFor(rec models.ResultRecord) (*pgvector.Vector, error) {
	if s.embedder == nil {
		return nil, nil
	}
	embedding, err := s.embedder.Embed(rec.TimestampMs, rec.Landmarks)
	if errors.Is(err, posescore.ErrTooFewLandmarks) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to embed pose at %dms", rec.TimestampMs)
	}
	v := pgvector.NewVector(embedding)
	return &v, nil
}

// SchemaSQL returns the DDL for a given embedding size.
func SchemaSQL(dims int) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS videos (
			id SERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			UNIQUE(name)
		);

		CREATE TABLE IF NOT EXISTS poses (
			id SERIAL PRIMARY KEY,
			video_id INTEGER REFERENCES videos(id) ON DELETE CASCADE,
			timestamp_ms BIGINT NOT NULL,
			unit BIGINT NOT NULL,
			landmark_count INTEGER NOT NULL,
			score DOUBLE PRECISION,
			embedding vector(%d),
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE(video_id, timestamp_ms)
		);

		CREATE INDEX IF NOT EXISTS idx_poses_video_id ON poses(video_id);
		CREATE INDEX IF NOT EXISTS idx_poses_embedding ON poses USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);
	`, dims)
}

// InitSchema creates the database schema if it doesn't exist
func InitSchema(ctx context.Context, config PostgresConfig, dims int) error {
	conn, err := pgx.Connect(ctx, config.ConnString())
	if err != nil {
		return errors.Wrap(err, "failed to connect to database")
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return errors.Wrap(err, "failed to create vector extension")
	}
	if _, err := conn.Exec(ctx, SchemaSQL(dims)); err != nil {
		return errors.Wrap(err, "failed to create database schema")
	}
	return nil
}
