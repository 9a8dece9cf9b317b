package importer

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Poller runs ImportAll on the stored polling interval until stopped.
type Poller struct {
	importer *Importer
	store    Store
	timeout  time.Duration
	log      *slog.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPoller creates a background poller.
func NewPoller(im *Importer, store Store, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		importer: im,
		store:    store,
		timeout:  10 * time.Minute,
		log:      log,
		stopChan: make(chan struct{}),
	}
}

// Start begins the polling loop. The first import runs immediately.
func (p *Poller) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			interval := p.interval()
			ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
			results, err := p.importer.ImportAll(ctx)
			cancel()

			if err != nil {
				p.log.Warn("poll_failed", slog.String("err", err.Error()))
			} else {
				total := 0
				for _, c := range results {
					total += c
				}
				p.log.Info("poll_done",
					slog.Int("new_items", total),
					slog.Int("sources", len(results)),
					slog.Duration("next_in", interval),
				)
			}

			select {
			case <-p.stopChan:
				return
			case <-time.After(interval):
			}
		}
	}()
}

func (p *Poller) interval() time.Duration {
	minutes, _ := p.store.GetPollingInterval(context.Background())
	if minutes < MinPollingIntervalMinutes {
		minutes = MinPollingIntervalMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// Stop stops the poller gracefully.
func (p *Poller) Stop() {
	close(p.stopChan)
	p.wg.Wait()
}
