package svc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/est/p.est.im/cfg"
	"github.com/est/p.est.im/metrics"
	"github.com/est/p.est.im/pkg/domain"
	"github.com/est/p.est.im/svc/db"
	"github.com/est/p.est.im/svc/sniff"
	"github.com/est/p.est.im/svc/util"
)

// Service drives the paste lifecycle: allocation, classification,
// expiry and reclamation. All durable state lives in the store;
// counter updates and sweeps are deferred side effects that never
// block or fail a client-visible operation.
type Service struct {
	store       *db.Store
	cfg         *cfg.Cfg
	newKey      func(int) (string, error)
	accessQueue chan accessUpdate
	workerWg    sync.WaitGroup
	opWg        sync.WaitGroup
	shutdownCtx context.Context
	shutdownFn  context.CancelFunc
	shutdown    atomic.Bool
	lastSweep   atomic.Int64
}

type accessUpdate struct {
	id       string
	counters domain.Counters
	at       int64
}

// PutInput carries one upload: the raw content, an optional
// caller-chosen id, and the uploader facet captured at the edge.
type PutInput struct {
	Content    []byte
	ExplicitID string
	Addr       string
	UserAgent  string
	Country    string
}

type PutResult struct {
	Paste *domain.Paste
	Token string
}

func New(store *db.Store, c *cfg.Cfg) *Service {
	if store == nil || c == nil {
		panic("paste service: nil dependency (store or cfg)")
	}
	shutdownCtx, shutdownFn := context.WithCancel(context.Background())
	n := c.WorkerPoolSize
	if n <= 0 {
		n = 4
	}
	s := &Service{
		store:       store,
		cfg:         c,
		newKey:      util.NewKey,
		accessQueue: make(chan accessUpdate, n*100),
		shutdownCtx: shutdownCtx,
		shutdownFn:  shutdownFn,
	}
	s.startWorkers(n)
	return s
}

func (s *Service) startWorkers(n int) {
	for i := 0; i < n; i++ {
		s.workerWg.Add(1)
		go s.accessWorker()
	}
}

func (s *Service) accessWorker() {
	defer s.workerWg.Done()
	defer func() {
		if r := recover(); r != nil {
			util.Error().Interface("panic", r).Msg("access worker panicked")
		}
	}()
	for upd := range s.accessQueue {
		ctx, cancel := context.WithTimeout(s.shutdownCtx, 5*time.Second)
		if err := s.store.UpdateAccess(ctx, upd.id, upd.counters, upd.at); err != nil {
			if errors.Is(err, context.Canceled) {
				cancel()
				return
			}
			util.Warn().Err(err).Str("id", upd.id).Msg("failed to persist access update")
		}
		cancel()
	}
}

func (s *Service) Shutdown() {
	s.shutdown.Store(true)
	close(s.accessQueue)
	done := make(chan struct{})
	go func() {
		s.workerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		util.Warn().Msg("access workers didn't stop in time")
	}
	s.shutdownFn()
	s.opWg.Wait()
	util.Debug().Msg("paste service shutdown complete")
}

// Put validates, sniffs and stores new content, returning the created
// paste and its one-time delete token. A colliding random key is
// retried exactly once with a timestamp prefix; a colliding explicit
// id fails straight away with a conflict.
func (s *Service) Put(ctx context.Context, in PutInput) (*PutResult, error) {
	if s.shutdown.Load() {
		return nil, errors.Wrap(domain.ErrInternal, "service shutting down")
	}
	s.opWg.Add(1)
	defer s.opWg.Done()
	if len(in.Content) == 0 {
		return nil, domain.ErrEmptyContent
	}
	if int64(len(in.Content)) > s.cfg.MaxContentSize {
		return nil, domain.ErrTooLarge
	}

	info := sniff.Detect(in.Content)
	explicit := in.ExplicitID != ""
	var id string
	if explicit {
		if !ValidExplicitID(in.ExplicitID) {
			return nil, domain.ErrBadID
		}
		id = in.ExplicitID
	} else {
		key, err := s.newKey(util.KeyLength)
		if err != nil {
			return nil, errors.Wrap(err, "allocate key")
		}
		id = key
		if info.Extension != "" {
			id = key + "." + info.Extension
		}
	}

	token := util.NewDeleteToken()
	now := time.Now()
	paste := &domain.Paste{
		ID:      id,
		Content: in.Content,
		Uploader: domain.UploaderInfo{
			Addr:      in.Addr,
			UserAgent: in.UserAgent,
			Country:   in.Country,
		},
		Counters: domain.Counters{},
		System: domain.SystemInfo{
			MIME:        info.MIME,
			Extension:   info.Extension,
			TokenDigest: util.TokenDigest(token),
			Width:       info.Width,
			Height:      info.Height,
		},
		CreatedAt: now.Unix(),
		ExpiresAt: domain.NextExpiry(now, s.cfg.TTL),
	}

	err := s.store.Insert(ctx, paste)
	if errors.Is(err, domain.ErrConflict) && !explicit {
		paste.ID = util.DisambiguatePrefix(now) + id
		err = s.store.Insert(ctx, paste)
	}
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, domain.ErrConflict
		}
		return nil, errors.Wrap(err, "insert paste")
	}

	s.maybeSweep()
	metrics.PasteCreated.Inc()
	return &PutResult{Paste: paste, Token: token}, nil
}

// Get fetches a live paste. Missing ids and expired ids are told apart
// so clients can distinguish "never existed" from "existed and
// expired"; an expired record is reclaimed lazily in the background.
// The returned paste carries the view count including this read; the
// persisted update is deferred.
func (s *Service) Get(ctx context.Context, id string) (*domain.Paste, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if p.Expired(now) {
		s.reclaim(p.ID)
		return nil, domain.ErrGone
	}
	p.Counters.Views++
	p.LastAccessAt = now.Unix()
	select {
	case s.accessQueue <- accessUpdate{id: p.ID, counters: p.Counters, at: p.LastAccessAt}:
	default:
		util.Warn().Str("id", p.ID).Msg("access queue full, dropping update")
	}
	metrics.PasteServed.Inc()
	return p, nil
}

// Delete removes a paste early given its delete token. Token checks
// run against the stored digest; a mismatch is forbidden, not 404, so
// holders of a wrong token still learn nothing beyond existence.
func (s *Service) Delete(ctx context.Context, id, token string) error {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !util.VerifyToken(token, p.System.TokenDigest) {
		return domain.ErrForbidden
	}
	if err := s.store.Delete(ctx, id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// lost a race with reclamation; the record is gone either way
			return nil
		}
		return errors.Wrap(err, "delete paste")
	}
	metrics.PasteDeleted.Inc()
	return nil
}

// reclaim lazily deletes an expired record. Failures only delay
// reclamation until the next access or sweep.
func (s *Service) reclaim(id string) {
	s.opWg.Add(1)
	go func() {
		defer s.opWg.Done()
		defer func() {
			if r := recover(); r != nil {
				util.Error().Interface("panic", r).Str("id", id).Msg("reclaim panicked")
			}
		}()
		ctx, cancel := context.WithTimeout(s.shutdownCtx, 5*time.Second)
		defer cancel()
		if err := s.store.Delete(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			util.Warn().Err(err).Str("id", id).Msg("lazy reclamation failed")
		}
	}()
}

// maybeSweep triggers the opportunistic bulk reclamation of expired
// records, at most once per configured interval. Best effort: a
// failing sweep never affects the PUT that triggered it.
func (s *Service) maybeSweep() {
	now := time.Now().Unix()
	last := s.lastSweep.Load()
	if now-last < int64(s.cfg.SweepInterval.Seconds()) {
		return
	}
	if !s.lastSweep.CompareAndSwap(last, now) {
		return
	}
	s.opWg.Add(1)
	go func() {
		defer s.opWg.Done()
		defer func() {
			if r := recover(); r != nil {
				util.Error().Interface("panic", r).Msg("sweep panicked")
			}
		}()
		ctx, cancel := context.WithTimeout(s.shutdownCtx, 30*time.Second)
		defer cancel()
		deleted, err := s.store.SweepExpired(ctx, time.Now())
		metrics.SweepCycles.Inc()
		if err != nil {
			util.Warn().Err(err).Msg("expired sweep failed")
			return
		}
		if deleted > 0 {
			metrics.SweepReclaimed.Add(float64(deleted))
			util.Info().Int("reclaimed", deleted).Msg("expired records swept")
		}
	}()
}

// ValidExplicitID constrains caller-chosen ids to the key alphabet
// plus dot, dash and underscore, capped at 64 characters. A leading
// dot would collide with extension handling.
func ValidExplicitID(id string) bool {
	if len(id) == 0 || len(id) > 64 {
		return false
	}
	if id[0] == '.' {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}
