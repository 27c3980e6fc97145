package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
)

type LsCmd struct {
	State string `help:"filter by state: created, starting, running, exited, failed"`
}

func (c *LsCmd) Run(cctx *Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	statuses, err := cctx.client.List(ctx, c.State)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tPID\tIP ADDRESS\tROOTFS\t")
	for _, s := range statuses {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t\n", s.ID, s.State, s.PID, s.IPAddress, s.RootfsPath)
	}
	return w.Flush()
}
