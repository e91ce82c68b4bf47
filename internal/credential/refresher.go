package credential

import (
	"sync"
	"time"
)

// Refresher runs fn on a fixed interval until stopped. It is the explicit,
// cancellable replacement for a fire-and-forget interval timer: the
// process lifecycle owner holds the handle.
type Refresher struct {
	interval time.Duration
	fn       func()
	stop     chan struct{}
	once     sync.Once
}

func NewRefresher(interval time.Duration, fn func()) *Refresher {
	return &Refresher{
		interval: interval,
		fn:       fn,
		stop:     make(chan struct{}),
	}
}

func (r *Refresher) Start() {
	go r.run()
}

func (r *Refresher) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.fn()
		case <-r.stop:
			return
		}
	}
}

func (r *Refresher) Stop() {
	r.once.Do(func() { close(r.stop) })
}
