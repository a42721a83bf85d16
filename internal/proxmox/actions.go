package proxmox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"pve-agent/internal/model"
)

type actionStep struct {
	path string
	form url.Values
}

// actionSteps maps an action onto the endpoints that implement it. Force
// variants use stop/reset instead of the graceful shutdown/reboot. LXC has no
// reset, so a forced restart of a container is stop followed by start.
func actionSteps(rec model.ResourceRecord, action model.Action) ([]actionStep, error) {
	if !model.Supports(rec.Kind, action) {
		return nil, fmt.Errorf("action %s not supported for %s %s", action, rec.Kind, rec.ID)
	}

	if rec.Kind == model.KindNode {
		cmd := "shutdown"
		if action == model.ActionRestart {
			cmd = "reboot"
		}
		form := url.Values{}
		form.Set("command", cmd)
		return []actionStep{{path: "/nodes/" + url.PathEscape(rec.ID) + "/status", form: form}}, nil
	}

	if rec.ParentNode == "" {
		return nil, fmt.Errorf("guest %s has no parent node", rec.ID)
	}
	base := fmt.Sprintf("/nodes/%s/%s/%s/status/", url.PathEscape(rec.ParentNode), rec.Kind, url.PathEscape(rec.VMID()))
	step := func(op string) actionStep { return actionStep{path: base + op} }

	switch action {
	case model.ActionStart:
		return []actionStep{step("start")}, nil
	case model.ActionShutdown:
		return []actionStep{step("shutdown")}, nil
	case model.ActionRestart:
		return []actionStep{step("reboot")}, nil
	case model.ActionForceStop:
		return []actionStep{step("stop")}, nil
	case model.ActionForceRestart:
		if rec.Kind == model.KindLXC {
			return []actionStep{step("stop"), step("start")}, nil
		}
		return []actionStep{step("reset")}, nil
	}
	return nil, fmt.Errorf("unknown action %q", action)
}

// Execute runs action against rec and returns the task id (UPID) of the last
// step when the API reports one. It is not retried beyond the session renewal
// Call performs on an authentication rejection.
func (c *Client) Execute(ctx context.Context, rec model.ResourceRecord, action model.Action) (string, error) {
	steps, err := actionSteps(rec, action)
	if err != nil {
		return "", err
	}
	var upid string
	for _, s := range steps {
		var raw json.RawMessage
		if err := c.Call(ctx, http.MethodPost, s.path, s.form, &raw); err != nil {
			return "", fmt.Errorf("%s %s: %w", action, rec.ID, err)
		}
		upid = ""
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &upid)
		}
	}
	c.logger.Info("proxmox action issued", "resource_id", rec.ID, "kind", rec.Kind, "action", action, "upid", upid)
	return upid, nil
}
