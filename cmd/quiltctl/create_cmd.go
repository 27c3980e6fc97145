package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/banksean/quilt/pkg/quiltapi"
)

type CreateCmd struct {
	ID         string   `help:"container id to assign; a random name is generated if omitted"`
	ImagePath  string   `arg:"" help:"path to the image rootfs to clone from"`
	Argv       []string `arg:"" passthrough:"" help:"command to run as the container's init"`
	Env        []string `help:"environment variables as KEY=VALUE, repeatable"`
	WorkDir    string   `help:"working directory inside the container"`
	Memory     int64    `help:"memory limit in bytes (0 means runtime default)"`
	CPUWeight  int64    `help:"cgroup cpu.weight"`
	PIDsLimit  int64    `help:"pids.max"`
	NoPIDNS    bool     `help:"disable the container's own PID namespace"`
	NoMountNS  bool     `help:"disable the container's own mount namespace"`
	NoNetNS    bool     `help:"disable the container's own network namespace"`
	Start      bool     `help:"start the container immediately after creating it"`
}

func (c *CreateCmd) Run(cctx *Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := map[string]string{}
	for _, kv := range c.Env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("invalid --env value %q, want KEY=VALUE", kv)
		}
		env[k] = v
	}

	resp, err := cctx.client.Create(ctx, quiltapi.CreateRequest{
		ID:        c.ID,
		ImagePath: c.ImagePath,
		Argv:      c.Argv,
		Env:       env,
		WorkDir:   c.WorkDir,
		Limits: quiltapi.ResourceLimits{
			MemoryBytes: c.Memory,
			CPUWeight:   c.CPUWeight,
			PIDsLimit:   c.PIDsLimit,
		},
		Namespaces: quiltapi.NamespaceFlags{
			PID: !c.NoPIDNS, Mount: !c.NoMountNS, UTS: true, IPC: true, Net: !c.NoNetNS,
		},
		AutoStart: c.Start,
	})
	if err != nil {
		return err
	}
	fmt.Println(resp.ContainerID)
	return nil
}
