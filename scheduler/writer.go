// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"fmt"
	"math"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/hashicorp/loom/structs"
)

// ResultWriter persists plan results: planned fields and a history entry per
// Normal operation, plus per-lot aggregates. Updates are chunked by lot and
// applied by a bounded worker pool, one store session per worker.
type ResultWriter struct {
	logger     hclog.Logger
	factory    SessionFactory
	chunkSize  int
	maxWorkers int
	now        func() time.Time
}

func NewResultWriter(logger hclog.Logger, factory SessionFactory, cfg *structs.Config) *ResultWriter {
	return &ResultWriter{
		logger:     logger.Named("writer"),
		factory:    factory,
		chunkSize:  cfg.WriterChunkSize,
		maxWorkers: cfg.WriterMaxWorkers,
		now:        time.Now,
	}
}

type writeChunk struct {
	index int
	lots  []*structs.LotPlanUpdate
	ops   []*structs.OpPlanUpdate
}

// Write applies all updates derived from the run's results and blocks until
// the pool drains. Failed chunks roll back individually and surface in one
// WriterError; committed chunks stay committed.
func (w *ResultWriter) Write(jobs []*structs.Job, results map[structs.TaskKey]structs.OpResult, planID string) error {
	chunks := w.buildChunks(jobs, results, planID)
	if len(chunks) == 0 {
		w.logger.Debug("no plan results to write")
		return nil
	}

	workers := min(len(chunks), w.maxWorkers)
	w.logger.Info("starting parallel plan update",
		"chunks", len(chunks), "chunk_size", w.chunkSize, "workers", workers)
	start := w.now()

	var (
		mu     sync.Mutex
		mErr   multierror.Error
		failed int
	)
	work := make(chan *writeChunk)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			// Each worker owns one session for its lifetime.
			session, err := w.factory()
			if err != nil {
				for c := range work {
					mu.Lock()
					failed++
					mErr.Errors = append(mErr.Errors, multierror.Prefix(err, chunkPrefix(c)))
					mu.Unlock()
				}
				return
			}
			defer session.Close()

			for c := range work {
				// History entries are stamped by the writing worker.
				stamp := w.now()
				for _, op := range c.ops {
					if op.History != nil {
						op.History.CreatedAt = stamp
					}
				}
				if err := session.UpdatePlanResults(c.lots, c.ops); err != nil {
					w.logger.Error("chunk update failed", "chunk", c.index, "error", err)
					mu.Lock()
					failed++
					mErr.Errors = append(mErr.Errors, multierror.Prefix(err, chunkPrefix(c)))
					mu.Unlock()
				}
			}
		}()
	}
	for _, c := range chunks {
		work <- c
	}
	close(work)
	wg.Wait()

	w.logger.Info("plan update finished",
		"succeeded", len(chunks)-failed, "total", len(chunks), "duration", w.now().Sub(start))

	if failed > 0 {
		return &structs.WriterError{
			Err:          mErr.ErrorOrNil(),
			FailedChunks: failed,
			TotalChunks:  len(chunks),
		}
	}
	return nil
}

// buildChunks derives the update payloads and partitions them by lot so a
// lot's row and its operation rows always land in the same transaction.
func (w *ResultWriter) buildChunks(jobs []*structs.Job, results map[structs.TaskKey]structs.OpResult, planID string) []*writeChunk {
	var chunks []*writeChunk
	current := &writeChunk{}
	flush := func() {
		if len(current.lots) > 0 || len(current.ops) > 0 {
			current.index = len(chunks)
			chunks = append(chunks, current)
		}
		current = &writeChunk{}
	}

	lotsInChunk := 0
	for _, job := range jobs {
		lotID := job.Lot.LotId

		var (
			haveAny   bool
			lotStart  time.Time
			lotFinish time.Time
			opUpdates []*structs.OpPlanUpdate
		)
		for _, cop := range job.Ops {
			key := structs.TaskKey{LotId: lotID, Step: cop.Op.Step}
			res, ok := results[key]
			if !ok {
				continue
			}
			if !haveAny || res.Start.Before(lotStart) {
				lotStart = res.Start
			}
			if !haveAny || res.End.After(lotFinish) {
				lotFinish = res.End
			}
			haveAny = true

			// Only Normal operations are written; fixed classes stay
			// untouched.
			if cop.Class != structs.OpClassNormal {
				continue
			}
			start, end := res.Start, res.End
			opUpdates = append(opUpdates, &structs.OpPlanUpdate{
				LotId:   lotID,
				Step:    cop.Op.Step,
				Start:   start,
				End:     end,
				Machine: res.Machine,
				History: &structs.PlanRecord{
					PlanID:           planID,
					PlanCheckInTime:  &start,
					PlanCheckOutTime: &end,
					PlanMachineId:    res.Machine,
				},
			})
		}
		if !haveAny {
			continue
		}

		var delayDays *float64
		if job.Lot.DueDate != nil {
			d := math.Round(lotFinish.Sub(*job.Lot.DueDate).Hours()/24*100) / 100
			delayDays = &d
		}
		current.lots = append(current.lots, &structs.LotPlanUpdate{
			LotId:          lotID,
			PlanStartTime:  lotStart,
			PlanFinishDate: lotFinish,
			DelayDays:      delayDays,
		})
		current.ops = append(current.ops, opUpdates...)

		lotsInChunk++
		if lotsInChunk >= w.chunkSize {
			flush()
			lotsInChunk = 0
		}
	}
	flush()
	return chunks
}

func chunkPrefix(c *writeChunk) string {
	return fmt.Sprintf("chunk %d:", c.index)
}
