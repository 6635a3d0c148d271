// Package faketape is an in-memory transport.Library used by cmd/lrsd's
// demo wiring and by tests: it has no physical robot to drive, so it
// just tracks which drive currently holds which medium and can be told
// to fail the next N operations to exercise the transport-unreachable
// recovery path.
package faketape

import (
	"context"
	"sync"

	"github.com/tapeforge/lrs/internal/transport"
)

type Library struct {
	mu      sync.Mutex
	loaded  map[string]string // driveName -> mediumName
	media   map[string]bool   // known medium names
	failNext int
}

func New(media []string) *Library {
	known := make(map[string]bool, len(media))
	for _, m := range media {
		known[m] = true
	}
	return &Library{
		loaded: make(map[string]string),
		media:  known,
	}
}

// FailNext makes the next n operations return ErrConnectionFailed,
// simulating a transient transport outage.
func (l *Library) FailNext(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = n
}

func (l *Library) maybeFail() error {
	if l.failNext > 0 {
		l.failNext--
		return &transport.ErrConnectionFailed{}
	}
	return nil
}

func (l *Library) Open(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maybeFail()
}

func (l *Library) Scan(ctx context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.maybeFail(); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(l.media))
	for name := range l.media {
		names = append(names, name)
	}
	return names, nil
}

func (l *Library) Move(ctx context.Context, mediumName, driveName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.maybeFail(); err != nil {
		return err
	}
	for d, m := range l.loaded {
		if m == mediumName && d != driveName {
			delete(l.loaded, d)
		}
	}
	l.loaded[driveName] = mediumName
	l.media[mediumName] = true
	return nil
}

func (l *Library) Eject(ctx context.Context, driveName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.maybeFail(); err != nil {
		return err
	}
	delete(l.loaded, driveName)
	return nil
}

func (l *Library) Close() error { return nil }

// LoadedOn is a test helper reporting what medium (if any) drive holds.
func (l *Library) LoadedOn(driveName string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.loaded[driveName]
	return m, ok
}

var _ transport.Library = (*Library)(nil)
