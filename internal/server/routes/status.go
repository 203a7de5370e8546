package routes

import (
	"context"
	"sort"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/shellcache/shellcache/internal/server"
	"github.com/shellcache/shellcache/internal/version"
)

// RegisterStatusRoutes 暴露 /-/status 诊断接口，供运维查看当前版本、命名空间与最近一次部署结果。
func RegisterStatusRoutes(app *fiber.App, deployer *server.Deployer) {
	if app == nil || deployer == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		active := deployer.Active()
		if active == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(statusPayload{State: "pending"})
		}

		payload := statusPayload{
			Version:  active.Tag(),
			State:    active.State().String(),
			Precache: active.Registry().Precache(),
			Runtime:  active.Registry().Runtime(),
			Clients:  deployer.Clients().Len(),
			Build:    version.Full(),
		}
		if cfg := deployer.Config(); cfg != nil {
			payload.StorageDriver = cfg.Global.StorageDriver
		}

		ctx := c.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		names, err := active.Storage().Namespaces(ctx)
		if err != nil {
			payload.Error = err.Error()
		}
		payload.Namespaces = names

		if last, ok := deployer.LastDeployment(); ok {
			payload.Deployment = encodeDeployment(last)
		}
		return c.JSON(payload)
	})
}

type statusPayload struct {
	Version       string             `json:"version,omitempty"`
	State         string             `json:"state"`
	Precache      string             `json:"precache,omitempty"`
	Runtime       string             `json:"runtime,omitempty"`
	StorageDriver string             `json:"storage_driver,omitempty"`
	Namespaces    []string           `json:"namespaces,omitempty"`
	Clients       int                `json:"clients"`
	Build         string             `json:"build,omitempty"`
	Deployment    *deploymentPayload `json:"deployment,omitempty"`
	Error         string             `json:"error,omitempty"`
}

type deploymentPayload struct {
	Tag        string            `json:"tag"`
	DeployedAt string            `json:"deployed_at"`
	Cached     []string          `json:"cached"`
	Failed     map[string]string `json:"failed,omitempty"`
	Deleted    []string          `json:"deleted,omitempty"`
	Claimed    int               `json:"claimed"`
	Notified   int               `json:"notified"`
}

func encodeDeployment(d server.Deployment) *deploymentPayload {
	payload := &deploymentPayload{
		Tag:        d.Tag,
		DeployedAt: d.DeployedAt.Format(time.RFC3339),
		Cached:     append([]string(nil), d.Install.Cached...),
		Deleted:    append([]string(nil), d.Activate.Deleted...),
		Claimed:    d.Activate.Claimed,
		Notified:   d.Activate.Notified,
	}
	sort.Strings(payload.Cached)
	if len(d.Install.Failed) > 0 {
		payload.Failed = make(map[string]string, len(d.Install.Failed))
		for asset, err := range d.Install.Failed {
			payload.Failed[asset] = err.Error()
		}
	}
	return payload
}
