package audit

import (
	"context"

	"github.com/weiawesome/wes-io-live/relation-service/pkg/log"
)

// Audit actions for relation-service.
const (
	ActionFollow    = "relation.follow"
	ActionUnfollow  = "relation.unfollow"
	ActionProvision = "relation.provision"
	ActionRepair    = "relation.repair"
)

// Field constants for audit entries.
const (
	FieldAction   = "action"
	FieldTargetID = "target_id"
	FieldDetail   = "detail"
)

// Log emits a structured audit log entry via the context logger.
func Log(ctx context.Context, action string, actorID string, targetID string, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldUserID, actorID).
		Str(FieldTargetID, targetID).
		Msg(msg)
}

// LogWithDetail emits an audit log with extra detail field.
func LogWithDetail(ctx context.Context, action string, actorID string, targetID string, detail string, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldUserID, actorID).
		Str(FieldTargetID, targetID).
		Str(FieldDetail, detail).
		Msg(msg)
}
