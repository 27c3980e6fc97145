package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

type StopCmd struct {
	ID  []string `arg:"" optional:"" help:"IDs of the containers to stop"`
	All bool     `short:"a" help:"stop every running container"`
}

func (c *StopCmd) Run(cctx *Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ids := c.ID
	if c.All {
		statuses, err := cctx.client.List(ctx, "running")
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
			if err := cctx.client.Stop(ctx, id, 0); err != nil {
				slog.ErrorContext(ctx, "Stop", "id", id, "error", err)
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
