// Package store keeps the bounded, de-duplicated list of recently generated redirect links.
package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/abdusco/peeklink/internal"
	"github.com/abdusco/peeklink/internal/logger"
)

const DefaultCapacity = 10

// Persister durably stores the whole list.
type Persister interface {
	Load(ctx context.Context) ([]internal.RedirectLink, error)
	Save(ctx context.Context, links []internal.RedirectLink) error
}

// Encoder builds the followable redirect URL for a link.
type Encoder interface {
	Encode(link internal.RedirectLink) string
}

// Store holds the list most recent first. Every mutation is persisted before it returns;
// when persisting fails the in-memory list is left unchanged.
type Store struct {
	mu        sync.Mutex
	links     []internal.RedirectLink
	capacity  int
	persister Persister
	encoder   Encoder
	log       zerolog.Logger
}

// Load creates a store from whatever the persister holds. Missing or unreadable data
// yields an empty list.
func Load(ctx context.Context, p Persister, enc Encoder, capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	s := &Store{
		capacity:  capacity,
		persister: p,
		encoder:   enc,
		log:       logger.With("component", "store"),
	}

	links, err := p.Load(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to load recent redirects, starting empty")
		links = nil
	}
	links = lo.UniqBy(links, func(l internal.RedirectLink) string { return l.DestinationURL })
	if len(links) > capacity {
		links = links[:capacity]
	}
	s.links = links

	s.log.Debug().Int("count", len(s.links)).Msg("recent redirects loaded")
	return s
}

func (s *Store) Contains(destinationURL string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexOf(destinationURL) >= 0
}

// Add inserts link at the front, evicting the oldest entries beyond capacity.
func (s *Store) Add(ctx context.Context, link internal.RedirectLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexOf(link.DestinationURL) >= 0 {
		return internal.ErrDuplicateDestination
	}

	next := make([]internal.RedirectLink, 0, min(len(s.links)+1, s.capacity))
	next = append(next, link)
	next = append(next, s.links...)
	if len(next) > s.capacity {
		evicted := next[s.capacity:]
		s.log.Debug().Int("evicted", len(evicted)).Msg("evicting oldest redirects")
		next = next[:s.capacity]
	}

	if err := s.commit(ctx, next); err != nil {
		return err
	}
	s.log.Info().Str("id", link.ID).Str("destination", link.DestinationURL).Msg("redirect added")
	return nil
}

// Remove deletes the link with id. Unknown ids are ignored.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, idx, found := lo.FindIndexOf(s.links, func(l internal.RedirectLink) bool { return l.ID == id })
	if !found {
		return nil
	}

	next := slices.Delete(slices.Clone(s.links), idx, idx+1)
	if err := s.commit(ctx, next); err != nil {
		return err
	}
	s.log.Info().Str("id", id).Msg("redirect removed")
	return nil
}

// UpdateOverlay merges overlay into the entry for destinationURL and re-encodes its redirect URL.
// The boolean is false when no entry matches.
func (s *Store) UpdateOverlay(ctx context.Context, destinationURL string, overlay internal.Overlay) (internal.RedirectLink, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(destinationURL)
	if idx < 0 {
		return internal.RedirectLink{}, false, nil
	}

	next := slices.Clone(s.links)
	link := next[idx]
	link.Overlay = link.Overlay.Merge(overlay)
	link.RedirectURL = s.encoder.Encode(link)
	next[idx] = link

	if err := s.commit(ctx, next); err != nil {
		return internal.RedirectLink{}, false, err
	}
	return link, true, nil
}

// List returns a snapshot, most recent first.
func (s *Store) List() []internal.RedirectLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.links)
}

func (s *Store) indexOf(destinationURL string) int {
	return slices.IndexFunc(s.links, func(l internal.RedirectLink) bool {
		return l.DestinationURL == destinationURL
	})
}

func (s *Store) commit(ctx context.Context, next []internal.RedirectLink) error {
	if err := s.persister.Save(ctx, next); err != nil {
		s.log.Error().Err(err).Msg("failed to persist recent redirects")
		return fmt.Errorf("persist recent redirects: %w", err)
	}
	s.links = next
	return nil
}
