package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/banksean/quilt/pkg/quiltapi"
)

// TaskCmd groups the async task RPCs under one subcommand, the same
// nesting kong uses elsewhere in this CLI for related operations.
type TaskCmd struct {
	Launch TaskLaunchCmd `cmd:"" name:"launch" help:"launch an async task in a running container"`
	Get    TaskGetCmd    `cmd:"" name:"get" help:"print the status of one task"`
	Ls     TaskLsCmd     `cmd:"" name:"ls" help:"list tasks for a container"`
	Cancel TaskCancelCmd `cmd:"" name:"cancel" help:"cancel a running task"`
}

type TaskLaunchCmd struct {
	ContainerID string   `arg:"" help:"ID of the running container"`
	Argv        []string `arg:"" passthrough:"" help:"command to run asynchronously"`
	TimeoutSecs int      `help:"kill the task if it runs longer than this many seconds"`
}

func (c *TaskLaunchCmd) Run(cctx *Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp, err := cctx.client.LaunchTask(ctx, c.ContainerID, quiltapi.LaunchTaskRequest{
		Argv: c.Argv, TimeoutSecs: c.TimeoutSecs,
	})
	if err != nil {
		return err
	}
	fmt.Println(resp.TaskID)
	return nil
}

type TaskGetCmd struct {
	TaskID string `arg:"" help:"ID of the task"`
}

func (c *TaskGetCmd) Run(cctx *Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	task, err := cctx.client.GetTask(ctx, c.TaskID)
	if err != nil {
		return err
	}
	fmt.Printf("id=%s status=%s exit_code=%v\n", task.ID, task.Status, task.ExitCode)
	if task.Stdout != "" {
		fmt.Print(task.Stdout)
	}
	if task.Stderr != "" {
		fmt.Fprint(os.Stderr, task.Stderr)
	}
	return nil
}

type TaskLsCmd struct {
	ContainerID string `arg:"" help:"ID of the container"`
	Status      string `help:"filter by status: pending, running, completed, failed, cancelled"`
	Page        int    `help:"zero-based page of results, quiltapi.TasksPageSize rows per page"`
}

func (c *TaskLsCmd) Run(cctx *Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tasks, err := cctx.client.ListTasks(ctx, c.ContainerID, c.Status, c.Page)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tEXIT CODE\t")
	for _, t := range tasks {
		exitCode := "-"
		if t.ExitCode != nil {
			exitCode = fmt.Sprint(*t.ExitCode)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t\n", t.ID, t.Status, exitCode)
	}
	return w.Flush()
}

type TaskCancelCmd struct {
	TaskID string `arg:"" help:"ID of the task to cancel"`
}

func (c *TaskCancelCmd) Run(cctx *Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelled, err := cctx.client.CancelTask(ctx, c.TaskID)
	if err != nil {
		return err
	}
	if !cancelled {
		return fmt.Errorf("task %s was not running", c.TaskID)
	}
	fmt.Println(c.TaskID)
	return nil
}
