package main

import (
	"context"
	"encoding/json"
	"os"
)

type GetCmd struct {
	ID string `arg:"" help:"ID of the container to inspect"`
}

func (c *GetCmd) Run(cctx *Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	status, err := cctx.client.Get(ctx, c.ID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}
