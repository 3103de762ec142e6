package backup

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// listeners fans values out to subscriber channels. Sends never block: a
// subscriber that falls behind loses values and the drop is logged.
type listeners[T any] struct {
	name   string
	logger *slog.Logger

	// closeMu keeps a channel from being closed while a send to it is in
	// flight.
	closeMu   sync.RWMutex
	chans     *xsync.Map[uint64, chan T]
	idCounter atomic.Uint64
}

func newListeners[T any](name string, logger *slog.Logger) *listeners[T] {
	return &listeners[T]{
		name:   name,
		logger: logger,
		chans:  xsync.NewMap[uint64, chan T](),
	}
}

func (l *listeners[T]) subscribe(buffer int) (<-chan T, func()) {
	id := l.idCounter.Add(1)
	ch := make(chan T, buffer)
	l.chans.Store(id, ch)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.closeMu.Lock()
			defer l.closeMu.Unlock()
			if ch, ok := l.chans.LoadAndDelete(id); ok {
				close(ch)
			}
		})
	}
}

func (l *listeners[T]) publish(v T) {
	l.closeMu.RLock()
	defer l.closeMu.RUnlock()

	l.chans.Range(func(id uint64, ch chan T) bool {
		select {
		case ch <- v:
		default:
			l.logger.Warn("dropped "+l.name+" for slow listener", "listener", id)
		}
		return true
	})
}

func (l *listeners[T]) closeAll() {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()

	l.chans.Range(func(id uint64, ch chan T) bool {
		l.chans.Delete(id)
		close(ch)
		return true
	})
}
