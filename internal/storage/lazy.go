package storage

import (
	"context"
	"sync"
)

// OpenFunc connects to a backend. The returned close function may be nil.
type OpenFunc func(ctx context.Context) (Store, func() error, error)

// LazyStore connects to its backend on first use, so a connection failure
// surfaces in the step that needed the store. A failed connection is not
// retried.
type LazyStore struct {
	open OpenFunc

	mu     sync.Mutex
	opened bool
	store  Store
	close  func() error
	err    error
}

// NewLazy creates a store that calls open on first use
func NewLazy(open OpenFunc) *LazyStore {
	return &LazyStore{open: open}
}

func (l *LazyStore) get(ctx context.Context) (Store, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.opened {
		l.opened = true
		l.store, l.close, l.err = l.open(ctx)
	}
	return l.store, l.err
}

// Upload implements Store
func (l *LazyStore) Upload(ctx context.Context, src, key string) error {
	s, err := l.get(ctx)
	if err != nil {
		return err
	}
	return s.Upload(ctx, src, key)
}

// Download implements Store
func (l *LazyStore) Download(ctx context.Context, key, dst string) error {
	s, err := l.get(ctx)
	if err != nil {
		return err
	}
	return s.Download(ctx, key, dst)
}

// MakePublic implements Store
func (l *LazyStore) MakePublic(ctx context.Context, key string) error {
	s, err := l.get(ctx)
	if err != nil {
		return err
	}
	return s.MakePublic(ctx, key)
}

// Exists implements Store
func (l *LazyStore) Exists(ctx context.Context, key string) (bool, error) {
	s, err := l.get(ctx)
	if err != nil {
		return false, err
	}
	return s.Exists(ctx, key)
}

// Close releases the backend connection if one was opened
func (l *LazyStore) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.close == nil {
		return nil
	}
	closeFn := l.close
	l.close = nil
	return closeFn()
}
