package main

import (
	"context"
	"fmt"
)

type StartCmd struct {
	ID string `arg:"" help:"ID of the container to start"`
}

func (c *StartCmd) Run(cctx *Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := cctx.client.Start(ctx, c.ID); err != nil {
		return err
	}
	fmt.Println(c.ID)
	return nil
}
