package ws

import (
	"context"

	"go.uber.org/zap"

	"bypassd/internal/apperr"
	"bypassd/internal/model"
	"bypassd/internal/service"
)

// CommandHandler handles WebSocket commands
type CommandHandler struct {
	coord *service.Coordinator
	log   *zap.Logger
}

func NewCommandHandler(coord *service.Coordinator, log *zap.Logger) *CommandHandler {
	return &CommandHandler{coord: coord, log: log}
}

// HandleCommand processes a WebSocket command. Every command names the
// workflow in data.workflowId and answers with the workflow's new state.
func (h *CommandHandler) HandleCommand(ctx context.Context, conn *Conn, cmd map[string]interface{}) {
	op, _ := cmd["op"].(string)
	data, _ := cmd["data"].(map[string]interface{})
	msgID, _ := cmd["id"].(string)

	id, _ := data["workflowId"].(string)
	if id == "" {
		conn.sendError(msgID, apperr.InvalidInput.String(), "workflowId required")
		return
	}
	actor := service.Actor{
		UserID:   conn.principal.UserID,
		TenantID: conn.principal.TenantID,
		Role:     conn.principal.Role,
		Context:  &model.ActorContext{Role: conn.principal.Role},
	}
	reason, _ := data["reason"].(string)

	var (
		w   *model.Workflow
		err error
	)
	switch op {
	case "respond":
		decision, _ := data["decision"].(string)
		notes, _ := data["notes"].(string)
		w, err = h.coord.Respond(ctx, id, actor, service.RespondInput{
			Decision: model.Decision(decision),
			Notes:    notes,
			Channel:  "websocket",
		})
	case "delegate":
		to, _ := data["toUserId"].(string)
		w, err = h.coord.Delegate(ctx, id, actor, to, reason)
	case "escalate":
		w, err = h.coord.Escalate(ctx, id, actor, reason)
	case "cancel":
		w, err = h.coord.Cancel(ctx, id, actor, reason)
	case "get":
		w, err = h.coord.Get(ctx, id, actor)
	default:
		conn.sendError(msgID, "unknown_command", "Unknown command: "+op)
		return
	}
	if err != nil {
		if apperr.KindOf(err) == apperr.Internal {
			h.log.Error("WebSocket command failed", zap.String("op", op), zap.String("workflow_id", id), zap.Error(err))
		}
		conn.sendError(msgID, apperr.Code(err), apperr.Message(err))
		return
	}

	resp := map[string]interface{}{
		"type": "response",
		"data": w,
	}
	if msgID != "" {
		resp["id"] = msgID
	}
	conn.sendJSON(resp)
}
