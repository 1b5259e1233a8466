package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Argus/pkg/node"
)

// nodeJob is one node waiting for a worker.
type nodeJob struct {
	index int
	node  node.Node
}

// nodeOutcome is what a worker reports back for a single node.
type nodeOutcome struct {
	index  int
	name   string
	result *node.PartialResult
	err    *NodeError
	at     time.Time
}

// groupPool runs the nodes of one group on a fixed number of workers.
// Workers push outcomes to a single channel which the caller drains, so
// nothing but the collector touches the run bookkeeping.
type groupPool struct {
	workers    int
	jobChan    chan nodeJob
	resultChan chan nodeOutcome
	wg         sync.WaitGroup
	run        func(ctx context.Context, job nodeJob) nodeOutcome
	logger     *zap.Logger

	failed atomic.Int64
}

func newGroupPool(workers, size int, run func(context.Context, nodeJob) nodeOutcome, logger *zap.Logger) *groupPool {
	if workers > size {
		workers = size
	}
	if workers < 1 {
		workers = 1
	}
	return &groupPool{
		workers:    workers,
		jobChan:    make(chan nodeJob, size),
		resultChan: make(chan nodeOutcome, size),
		run:        run,
		logger:     logger,
	}
}

// Start launches the workers.
func (p *groupPool) Start(ctx context.Context) {
	p.logger.Debug("starting group workers", zap.Int("workers", p.workers))
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// worker drains the job channel. A cancelled context does not stop it early:
// every submitted node must produce an outcome, and run reports the
// cancellation for nodes that start after it.
func (p *groupPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for job := range p.jobChan {
		out := p.run(ctx, job)
		if out.err != nil {
			p.failed.Add(1)
		}
		p.resultChan <- out
	}
	p.logger.Debug("worker finished", zap.Int("worker_id", id))
}

// SubmitAll queues the nodes and closes the job channel.
func (p *groupPool) SubmitAll(nodes []node.Node) {
	for i, n := range nodes {
		p.jobChan <- nodeJob{index: i, node: n}
	}
	close(p.jobChan)
}

// Results returns the outcome channel. It is closed once all workers exit.
func (p *groupPool) Results() <-chan nodeOutcome {
	return p.resultChan
}

// Wait blocks until the workers exit and closes the outcome channel.
func (p *groupPool) Wait() {
	p.wg.Wait()
	close(p.resultChan)
}

// Failed returns the number of failed nodes seen so far.
func (p *groupPool) Failed() int64 {
	return p.failed.Load()
}
