// Package tiered provides a Hot/Cold ledger that puts a fast ephemeral store (Hot)
// in front of a durable one (Cold).
//
// Reads check Hot first and fall back to Cold. Writes go to Cold, which decides
// whether an event was already handled, and are then copied to Hot. Hot is only
// an accelerator: its failures never change the answer Cold gives.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// Config configures the tiered ledger behavior
type Config struct {
	// Hot is the L1 ledger (e.g., Redis, Memory), typically with a TTL on records
	Hot entitle.Ledger

	// Cold is the L2 ledger (e.g., Postgres, Firestore) and the source of truth
	Cold entitle.Ledger

	// AsyncWriteBack copies marks to Hot on a background worker instead of inline.
	AsyncWriteBack bool

	// SyncBufferSize is the size of the buffered channel for async write-backs.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a Hot write-back fails or is dropped.
	AsyncErrorHandler func(error)
}

// Storage implements entitle.Ledger over two tiers.
// - Read-Through: HasProcessed (Hot → Cold → populate Hot)
// - Write-Through: MarkProcessed (Cold → Hot)
type Storage struct {
	hot  entitle.Ledger
	cold entitle.Ledger
	conf Config

	syncQueue chan string
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a new tiered ledger.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan string, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncWriteBack {
		s.startWorker()
	}

	return s, nil
}

// Close stops the write-back worker after draining queued marks.
func (s *Storage) Close() error {
	if s.conf.AsyncWriteBack {
		s.closeOnce.Do(func() {
			close(s.shutdown)
			s.wg.Wait()
		})
	}
	return nil
}

func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case eventID := <-s.syncQueue:
				s.markHot(context.Background(), eventID)
			case <-s.shutdown:
				for {
					select {
					case eventID := <-s.syncQueue:
						s.markHot(context.Background(), eventID)
					default:
						return
					}
				}
			}
		}
	}()
}

// HasProcessed implements entitle.Ledger with read-through.
func (s *Storage) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	// A Hot miss or failure is not conclusive
	if done, err := s.hot.HasProcessed(ctx, eventID); err == nil && done {
		return true, nil
	}

	done, err := s.cold.HasProcessed(ctx, eventID)
	if err != nil {
		return false, err
	}
	if done {
		s.writeBack(ctx, eventID)
	}
	return done, nil
}

// MarkProcessed implements entitle.Ledger. Cold decides; Hot follows.
func (s *Storage) MarkProcessed(ctx context.Context, eventID string) error {
	err := s.cold.MarkProcessed(ctx, eventID)
	switch {
	case err == nil:
		s.writeBack(ctx, eventID)
		return nil
	case errors.Is(err, entitle.ErrAlreadyMarked):
		s.writeBack(ctx, eventID)
		return err
	default:
		return err
	}
}

func (s *Storage) writeBack(ctx context.Context, eventID string) {
	if !s.conf.AsyncWriteBack {
		s.markHot(ctx, eventID)
		return
	}

	select {
	case s.syncQueue <- eventID:
	default:
		s.reportError(fmt.Errorf("tiered write-back queue full, dropped %s", eventID))
	}
}

func (s *Storage) markHot(ctx context.Context, eventID string) {
	err := s.hot.MarkProcessed(ctx, eventID)
	if err != nil && !errors.Is(err, entitle.ErrAlreadyMarked) {
		s.reportError(fmt.Errorf("tiered write-back failed: %w", err))
	}
}

func (s *Storage) reportError(err error) {
	if s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(err)
	}
}
