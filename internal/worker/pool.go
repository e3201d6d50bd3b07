package worker

import (
	"sync"

	"go.uber.org/zap"
)

// writerPool runs a fixed set of writers over one dispatcher.
type writerPool struct {
	dispatcher *Dispatcher
	save       func(saveJob)
	log        *zap.Logger
	wg         sync.WaitGroup
}

func newWriterPool(d *Dispatcher, writers int, save func(saveJob), log *zap.Logger) *writerPool {
	if writers < 1 {
		writers = 1
	}
	p := &writerPool{dispatcher: d, save: save, log: log}
	for i := 0; i < writers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	return p
}

func (p *writerPool) run(id int) {
	defer p.wg.Done()
	for {
		job, ok := p.dispatcher.next()
		if !ok {
			p.log.Debug("writer stopped", zap.Int("writer", id))
			return
		}
		p.save(job)
		p.dispatcher.done(job.userID)
	}
}

// stop closes the dispatcher and waits until every pending snapshot is
// written.
func (p *writerPool) stop() {
	p.dispatcher.close()
	p.wg.Wait()
}
