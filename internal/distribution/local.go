// SPDX-License-Identifier: Apache-2.0

package distribution

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/adiadia/secflow/internal/agent"
)

// LocalDispatcher runs workers in-process, one goroutine each.
type LocalDispatcher struct {
	workers map[string]agent.Processor
	limit   int
}

// NewLocalDispatcher indexes processors by name. limit caps concurrent
// workers; zero means no cap.
func NewLocalDispatcher(limit int, processors ...agent.Processor) *LocalDispatcher {
	d := &LocalDispatcher{workers: make(map[string]agent.Processor, len(processors)), limit: limit}
	for _, p := range processors {
		d.workers[p.Name()] = p
	}
	return d
}

func (d *LocalDispatcher) Dispatch(ctx context.Context, job Job) ([]Outcome, error) {
	outcomes := make([]Outcome, len(job.Workers))

	var g errgroup.Group
	if d.limit > 0 {
		g.SetLimit(d.limit)
	}
	for i, name := range job.Workers {
		outcomes[i].Worker = name
		p, ok := d.workers[name]
		if !ok {
			outcomes[i].Err = fmt.Errorf("no worker named %s", name)
			continue
		}

		g.Go(func() error {
			out, err := p.Process(ctx, job.Input.Clone())
			outcomes[i].Output = out
			outcomes[i].Err = err
			return nil
		})
	}
	_ = g.Wait()

	return outcomes, nil
}
