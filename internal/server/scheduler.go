package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/docquery/docquery/internal/store"
	"github.com/docquery/docquery/internal/vectorindex"
)

// Scheduler periodically compacts the vector index: it rebuilds the snapshot
// from the chunks still present in Postgres, reconciling any drift between
// the index and the store.
type Scheduler struct {
	Store    *store.Store
	Index    *vectorindex.Index
	Rdb      *redis.Client
	Schedule string
	Stop     chan struct{}
	Logger   *log.Logger

	lastRun time.Time
}

func (s *Scheduler) Start() {
	if s.Logger == nil {
		s.Logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	s.lastRun = time.Now()
	ticker := time.NewTicker(time.Minute)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	if !s.due() {
		return
	}
	ctx := context.Background()

	// Distributed lock so only one replica compacts.
	if s.Rdb != nil {
		ok, err := s.Rdb.SetNX(ctx, "sched:lock:index_compact", "1", 10*time.Minute).Result()
		if err != nil || !ok {
			s.lastRun = time.Now()
			return
		}
		defer s.Rdb.Del(ctx, "sched:lock:index_compact")
	}

	s.lastRun = time.Now()
	if err := s.compact(ctx); err != nil {
		s.Logger.Printf("warn: index compaction failed: %v", err)
	}
}

func (s *Scheduler) due() bool {
	expr, err := cronexpr.Parse(s.Schedule)
	if err != nil {
		// Fallback: treat an invalid schedule as daily.
		return time.Since(s.lastRun) >= 24*time.Hour
	}
	next := expr.Next(s.lastRun)
	return !next.After(time.Now())
}

func (s *Scheduler) compact(ctx context.Context) error {
	ids, vectors, err := s.Store.SurvivingEmbeddings(ctx)
	if err != nil {
		return err
	}
	if err := s.Index.Rebuild(vectors, ids); err != nil {
		return err
	}
	s.Logger.Printf("index compacted: %d vectors", len(ids))
	return nil
}
