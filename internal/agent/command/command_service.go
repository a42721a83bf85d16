package command

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"pve-agent/internal/dispatch"
	"pve-agent/internal/model"
)

type Invoker interface {
	Invoke(ctx context.Context, id string, action model.Action) (model.PendingCommand, error)
}

// Invoke runs req through invoker. Validation failures come back as a
// rejected response with a nil error; a command that was accepted and then
// failed returns its terminal response together with the error.
func Invoke(
	ctx context.Context,
	logger *slog.Logger,
	invoker Invoker,
	req *InvokeRequest,
) (*InvokeResponse, error) {
	if req == nil {
		return &InvokeResponse{OK: false, Rejected: true, Reason: RejectInvalid, Message: "empty request"}, nil
	}
	resp := &InvokeResponse{ResourceID: strings.TrimSpace(req.ResourceID), Action: req.Action}
	if resp.ResourceID == "" {
		return reject(resp, RejectInvalid, "resource_id is required"), nil
	}
	action, err := model.ParseAction(req.Action)
	if err != nil {
		return reject(resp, RejectInvalid, err.Error()), nil
	}
	resp.Action = string(action)

	cmd, err := invoker.Invoke(ctx, resp.ResourceID, action)
	if reason, ok := rejectReason(err); ok {
		logger.Debug("command rejected", "resource_id", resp.ResourceID, "action", action, "reason", reason, "error", err)
		return reject(resp, reason, err.Error()), nil
	}
	resp.State = cmd.State
	resp.TaskID = cmd.TaskID
	if err != nil {
		logger.Error("invoke rpc failed", "resource_id", resp.ResourceID, "action", action, "error", err)
		resp.Message = err.Error()
		return resp, err
	}
	resp.OK = true
	resp.Message = "command completed"
	return resp, nil
}

func reject(resp *InvokeResponse, reason RejectReason, msg string) *InvokeResponse {
	resp.OK = false
	resp.Rejected = true
	resp.Reason = reason
	resp.Message = msg
	return resp
}

func rejectReason(err error) (RejectReason, bool) {
	switch {
	case err == nil:
		return "", false
	case errors.Is(err, dispatch.ErrNotFound):
		return RejectNotFound, true
	case errors.Is(err, dispatch.ErrConflict):
		return RejectConflict, true
	case errors.Is(err, dispatch.ErrUnsupportedAction):
		return RejectUnsupported, true
	case errors.Is(err, dispatch.ErrClosed):
		return RejectClosed, true
	}
	return "", false
}
