package coordinator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/fixbench/orchestrator/domain"
	"github.com/fixbench/orchestrator/driver"
)

// Cancel stops a run. Idempotent: cancelling a terminal run returns it
// unchanged. Drivers get the configured grace period to acknowledge; a tool
// whose driver does not acknowledge in time still gets a terminal cancelled
// event, marked acknowledged=false so replay consumers can tell the
// difference.
func (c *Coordinator) Cancel(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return run, nil
	}

	c.mu.Lock()
	ar, live := c.active[runID]
	c.mu.Unlock()

	if !live {
		// No drivers in flight (crash leftover or pre-start). Settle the
		// row directly.
		if err := c.settleCancelled(ctx, runID); err != nil {
			return nil, err
		}
		return c.store.GetRun(ctx, runID)
	}

	if !ar.cancelled.CompareAndSwap(false, true) {
		// A concurrent cancel is already in progress; wait for it.
		select {
		case <-ar.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return c.store.GetRun(ctx, runID)
	}

	log.Printf("INFO: run %s: cancelling %d drivers", runID, len(ar.drivers))
	acked := c.cancelDrivers(ar)

	for tool := range ar.drivers {
		if acked[tool] {
			continue
		}
		log.Printf("WARN: run %s: driver %s did not acknowledge cancel", runID, tool)
		sink := c.sinkFor(ar, tool)
		if err := sink(ctx, driver.Draft{
			Type:     domain.EventTypeCancelled,
			Detail:   "cancelled without driver acknowledgement",
			Metadata: map[string]interface{}{"acknowledged": false},
		}); err != nil {
			log.Printf("ERROR: run %s: failed to record cancel for %s: %v", runID, tool, err)
		}
	}

	if err := c.settleCancelled(ctx, runID); err != nil {
		return nil, err
	}

	// Stop the step loops after statuses are settled.
	ar.cancelFn()

	return c.store.GetRun(ctx, runID)
}

// cancelDrivers invokes Cancel on every driver concurrently and reports
// which tools acknowledged within the grace period.
func (c *Coordinator) cancelDrivers(ar *activeRun) map[string]bool {
	type ack struct {
		tool string
		err  error
	}
	results := make(chan ack, len(ar.drivers))

	cctx, cancel := context.WithTimeout(context.Background(), c.cfg.CancelGracePeriod)
	defer cancel()

	for tool, d := range ar.drivers {
		tool, d := tool, d
		go func() {
			results <- ack{tool: tool, err: d.Cancel(cctx)}
		}()
	}

	acked := make(map[string]bool, len(ar.drivers))
	deadline := time.After(c.cfg.CancelGracePeriod)
	for i := 0; i < len(ar.drivers); i++ {
		select {
		case r := <-results:
			if r.err != nil {
				log.Printf("WARN: run %s: driver %s cancel failed: %v", ar.run.RunID, r.tool, r.err)
				continue
			}
			acked[r.tool] = true
		case <-deadline:
			return acked
		}
	}
	return acked
}

// settleCancelled marks every non-terminal tool cancelled and the run row
// cancelled.
func (c *Coordinator) settleCancelled(ctx context.Context, runID string) error {
	statuses, err := c.store.GetToolStatuses(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to read tool statuses: %w", err)
	}
	for tool, status := range statuses {
		if status.IsTerminal() {
			continue
		}
		if err := c.store.SetToolStatus(ctx, runID, tool, domain.ToolStatusCancelled); err != nil {
			return fmt.Errorf("failed to mark %s cancelled: %w", tool, err)
		}
	}
	if err := c.store.UpdateRunCompleted(ctx, runID, domain.RunStatusCancelled); err != nil {
		return fmt.Errorf("failed to mark run cancelled: %w", err)
	}
	log.Printf("INFO: run %s cancelled", runID)
	return nil
}
