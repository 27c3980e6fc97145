package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

type RmCmd struct {
	ID    []string `arg:"" optional:"" help:"IDs of the containers to remove"`
	All   bool     `short:"a" help:"remove every container"`
	Force bool     `short:"f" help:"send RemoveRequest.Force; the daemon does not act on it and stops with its configured grace period"`
}

func (c *RmCmd) Run(cctx *Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ids := c.ID
	if c.All {
		statuses, err := cctx.client.List(ctx, "")
		if err != nil {
			return err
		}
		ids = nil
		for _, s := range statuses {
			ids = append(ids, s.ID)
		}
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := cctx.client.Remove(ctx, id, c.Force); err != nil {
				slog.ErrorContext(ctx, "Remove", "id", id, "error", err)
				errChan <- err
				return
			}
			fmt.Println(id)
		}(id)
	}
	wg.Wait()
	close(errChan)

	for err := range errChan {
		return err
	}
	return nil
}
