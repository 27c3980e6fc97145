package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
)

type StatsCmd struct {
	ID string `arg:"" help:"ID of the running container"`
}

func (c *StatsCmd) Run(cctx *Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stats, err := cctx.client.GetStats(ctx, c.ID)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\t\n", k, stats[k])
	}
	return w.Flush()
}
