package main

import (
	"context"
	"fmt"
)

type LogsCmd struct {
	ID string `arg:"" help:"ID of the container"`
}

func (c *LogsCmd) Run(cctx *Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logs, err := cctx.client.GetLogs(ctx, c.ID)
	if err != nil {
		return err
	}
	fmt.Print(logs)
	return nil
}
