package queue

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"streamforge/internal/models"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisQueueConfig configures the Redis-backed queue implementation.
type RedisQueueConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	Key          string
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PollInterval time.Duration
	PoolSize     int
	MasterName   string
	TLS          RedisTLSConfig
	Clock        func() time.Time
}

// NewRedisQueue initialises a queue backed by a Redis sorted set scored by
// each job's not-before time. Multiple workers may share one queue; a removal
// race decides job ownership.
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		key = "streamforge:" + DefaultName
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	q := &RedisQueue{
		client:       client,
		key:          key,
		logger:       cfg.Logger,
		pollInterval: cfg.PollInterval,
		clock:        cfg.Clock,
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.pollInterval <= 0 {
		q.pollInterval = time.Second
	}
	if q.clock == nil {
		q.clock = func() time.Time { return time.Now().UTC() }
	}
	return q, nil
}

type RedisQueue struct {
	client       redis.UniversalClient
	key          string
	logger       *slog.Logger
	pollInterval time.Duration
	clock        func() time.Time
}

var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) Enqueue(ctx context.Context, job models.ProcessingJob) error {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}
	score := float64(job.NotBefore.UnixMilli()) / 1000
	if job.NotBefore.IsZero() {
		score = float64(q.clock().UnixMilli()) / 1000
	}
	if err := q.client.ZAdd(ctx, q.key, redis.Z{Score: score, Member: payload}).Err(); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (models.ProcessingJob, error) {
	for {
		if err := ctx.Err(); err != nil {
			return models.ProcessingJob{}, err
		}
		now := q.clock()
		members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   fmt.Sprintf("%f", float64(now.UnixMilli())/1000),
			Count: 1,
		}).Result()
		if err != nil {
			return models.ProcessingJob{}, fmt.Errorf("poll queue: %w", err)
		}
		if len(members) > 0 {
			// ZREM decides ownership when several workers saw the same
			// member: only the remover that reports 1 may run the job.
			removed, err := q.client.ZRem(ctx, q.key, members[0]).Result()
			if err != nil {
				return models.ProcessingJob{}, fmt.Errorf("claim job: %w", err)
			}
			if removed == 1 {
				job, err := decodeJob([]byte(members[0]))
				if err != nil {
					q.logger.Error("dropping undecodable job", "error", err)
					continue
				}
				return job, nil
			}
			continue
		}

		timer := time.NewTimer(q.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return models.ProcessingJob{}, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func encodeJob(job models.ProcessingJob) ([]byte, error) {
	if strings.TrimSpace(job.VideoID) == "" {
		return nil, fmt.Errorf("job video id is required")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	return payload, nil
}

func decodeJob(payload []byte) (models.ProcessingJob, error) {
	var job models.ProcessingJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return models.ProcessingJob{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		caPath := filepath.Clean(cfg.CAFile)
		pemData, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		certPath := filepath.Clean(cfg.CertFile)
		keyPath := filepath.Clean(cfg.KeyFile)
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
