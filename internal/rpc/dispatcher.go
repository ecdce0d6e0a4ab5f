// Package rpc implements the control plane's permissioned client-facing
// method surface: goal.submit/status/cancel/list/subscribe/unsubscribe,
// agent.register/list, and audit.list.
package rpc

import (
	"context"

	"go.uber.org/zap"

	apperrors "github.com/ponybunny-ai/taskforge/internal/common/errors"
	"github.com/ponybunny-ai/taskforge/internal/common/logger"
	"github.com/ponybunny-ai/taskforge/internal/cron"
	"github.com/ponybunny-ai/taskforge/internal/ipc"
	"github.com/ponybunny-ai/taskforge/internal/persistence"
	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

// methodHandler executes one RPC method's business logic. Subscription
// bookkeeping (goal.subscribe / goal.unsubscribe) is handled by Server
// directly rather than here, since it mutates per-connection state the
// dispatcher has no access to.
type methodHandler func(ctx context.Context, sess *v1.Session, params map[string]interface{}) (interface{}, *apperrors.AppError)

// methodPermissions maps every dispatchable method to the permission it
// requires. goal.subscribe/unsubscribe are listed for Server's permission
// check even though Dispatcher never executes them directly.
var methodPermissions = map[string]v1.Permission{
	"goal.submit":       v1.PermissionWrite,
	"goal.status":       v1.PermissionRead,
	"goal.cancel":       v1.PermissionWrite,
	"goal.list":         v1.PermissionRead,
	"goal.subscribe":    v1.PermissionRead,
	"goal.unsubscribe":  v1.PermissionRead,
	"agent.register":    v1.PermissionAdmin,
	"agent.list":        v1.PermissionAdmin,
	"audit.list":        v1.PermissionRead,
}

// goalSubmitter is the subset of scheduler.Scheduler the dispatcher needs;
// satisfied by *scheduler.Scheduler. Named narrowly to avoid an import
// cycle and to keep the dispatcher testable with a stub.
type goalSubmitter interface {
	SubmitGoal(ctx context.Context, goalID string) error
	CancelGoal(ctx context.Context, goalID, reason string) error
}

// GoalSubmitParams is the params object of a goal.submit call: a fully
// formed Goal plus its initial Work Item set.
type GoalSubmitParams struct {
	Goal      v1.Goal       `json:"goal"`
	WorkItems []v1.WorkItem `json:"work_items"`
}

// GoalCancelParams is the params object of a goal.cancel call.
type GoalCancelParams struct {
	GoalID string `json:"goal_id"`
	Reason string `json:"reason,omitempty"`
}

// GoalStatusParams is the params object of a goal.status call.
type GoalStatusParams struct {
	GoalID string `json:"goal_id"`
}

// GoalListParams is the params object of a goal.list call.
type GoalListParams struct {
	Status []v1.GoalStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// AuditListParams is the params object of an audit.list call.
type AuditListParams struct {
	GoalID     string `json:"goal_id,omitempty"`
	WorkItemID string `json:"work_item_id,omitempty"`
	EntityType string `json:"entity_type,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Offset     int    `json:"offset,omitempty"`
}

// auditor is the subset of audit.Service the dispatcher needs.
type auditor interface {
	List(ctx context.Context, filter persistence.AuditFilter, limit, offset int) (*v1.AuditListPage, error)
	Record(ctx context.Context, entry *v1.AuditEntry) error
}

// Dispatcher routes RPC calls to their business logic after the caller
// (Server) has checked the required permission.
type Dispatcher struct {
	store     persistence.Store
	scheduler goalSubmitter
	registry  *cron.Registry
	audit     auditor
	logger    *logger.Logger

	methods map[string]methodHandler
}

// New builds a Dispatcher wired to the Scheduling & Execution Core.
func New(store persistence.Store, sched goalSubmitter, registry *cron.Registry, auditSvc auditor, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Default()
	}
	d := &Dispatcher{store: store, scheduler: sched, registry: registry, audit: auditSvc, logger: log}
	d.methods = map[string]methodHandler{
		"goal.submit":    d.goalSubmit,
		"goal.status":    d.goalStatus,
		"goal.cancel":    d.goalCancel,
		"goal.list":      d.goalList,
		"agent.register": d.agentRegister,
		"agent.list":     d.agentList,
		"audit.list":     d.auditList,
	}
	return d
}

// RequiredPermission returns the permission method requires, and whether
// method is known at all.
func RequiredPermission(method string) (v1.Permission, bool) {
	perm, ok := methodPermissions[method]
	return perm, ok
}

// Dispatch checks sess's permission for method and, if granted, executes
// it. Permission and method-not-found failures are both reported as
// *apperrors.AppError so the transport can map them uniformly.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *v1.Session, method string, params map[string]interface{}) (interface{}, *apperrors.AppError) {
	perm, ok := RequiredPermission(method)
	if !ok {
		return nil, apperrors.MethodNotFound(method)
	}
	if sess == nil {
		return nil, apperrors.AuthRequired()
	}
	if !sess.Permissions.Has(perm) {
		return nil, apperrors.PermissionDenied(string(perm))
	}

	handler, ok := d.methods[method]
	if !ok {
		// goal.subscribe/unsubscribe: permission-checked here, executed by Server.
		return nil, apperrors.MethodNotFound(method)
	}
	return handler(ctx, sess, params)
}

func (d *Dispatcher) goalSubmit(ctx context.Context, sess *v1.Session, params map[string]interface{}) (interface{}, *apperrors.AppError) {
	var p GoalSubmitParams
	if err := ipc.DecodeData(params, &p); err != nil {
		return nil, apperrors.BadRequest("invalid goal.submit params: " + err.Error())
	}
	if p.Goal.ID == "" {
		return nil, apperrors.BadRequest("goal.submit requires a goal id")
	}

	if err := d.store.CreateGoal(ctx, &p.Goal); err != nil {
		return nil, apperrors.PersistenceFault(err)
	}
	for i := range p.WorkItems {
		item := p.WorkItems[i]
		item.GoalID = p.Goal.ID
		if err := d.store.CreateWorkItem(ctx, &item); err != nil {
			return nil, apperrors.PersistenceFault(err)
		}
	}

	if err := d.scheduler.SubmitGoal(ctx, p.Goal.ID); err != nil {
		return nil, apperrors.Wrap(err, "goal submission failed")
	}

	d.recordAudit(ctx, sess, "goal.submit", "goal", p.Goal.ID, p.Goal.ID, nil,
		map[string]interface{}{"title": p.Goal.Title, "status": string(p.Goal.Status)})

	return &p.Goal, nil
}

func (d *Dispatcher) goalStatus(ctx context.Context, sess *v1.Session, params map[string]interface{}) (interface{}, *apperrors.AppError) {
	var p GoalStatusParams
	if err := ipc.DecodeData(params, &p); err != nil {
		return nil, apperrors.BadRequest("invalid goal.status params: " + err.Error())
	}
	goal, err := d.store.GetGoal(ctx, p.GoalID)
	if err != nil {
		return nil, apperrors.NotFound("goal", p.GoalID)
	}
	return goal, nil
}

func (d *Dispatcher) goalCancel(ctx context.Context, sess *v1.Session, params map[string]interface{}) (interface{}, *apperrors.AppError) {
	var p GoalCancelParams
	if err := ipc.DecodeData(params, &p); err != nil {
		return nil, apperrors.BadRequest("invalid goal.cancel params: " + err.Error())
	}
	if err := d.scheduler.CancelGoal(ctx, p.GoalID, p.Reason); err != nil {
		if appErr, ok := err.(*apperrors.AppError); ok {
			return nil, appErr
		}
		return nil, apperrors.Wrap(err, "goal cancellation failed")
	}

	d.recordAudit(ctx, sess, "goal.cancel", "goal", p.GoalID, p.GoalID, nil,
		map[string]interface{}{"status": string(v1.GoalStatusCancelled), "reason": p.Reason})

	return map[string]interface{}{"goal_id": p.GoalID, "status": string(v1.GoalStatusCancelled)}, nil
}

// recordAudit writes a synchronous audit entry for a state-changing RPC
// call. A failure to write is logged, not surfaced: the RPC call itself
// already succeeded and an audit fault must not roll it back.
func (d *Dispatcher) recordAudit(ctx context.Context, sess *v1.Session, action, entityType, entityID, goalID string, before, after map[string]interface{}) {
	if d.audit == nil {
		return
	}
	entry := &v1.AuditEntry{
		ActorID:    sess.ClientIdentity,
		ActorType:  v1.ActorUser,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		GoalID:     goalID,
		SessionID:  sess.ID,
		Before:     before,
		After:      after,
	}
	if err := d.audit.Record(ctx, entry); err != nil {
		d.logger.Error("failed to record audit entry", zap.String("action", action), zap.String("entity_id", entityID), zap.Error(err))
	}
}

func (d *Dispatcher) goalList(ctx context.Context, sess *v1.Session, params map[string]interface{}) (interface{}, *apperrors.AppError) {
	var p GoalListParams
	if err := ipc.DecodeData(params, &p); err != nil {
		return nil, apperrors.BadRequest("invalid goal.list params: " + err.Error())
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	goals, total, err := d.store.ListGoals(ctx, p.Status, limit, p.Offset)
	if err != nil {
		return nil, apperrors.PersistenceFault(err)
	}
	return map[string]interface{}{"goals": goals, "total": total}, nil
}

func (d *Dispatcher) agentRegister(ctx context.Context, sess *v1.Session, params map[string]interface{}) (interface{}, *apperrors.AppError) {
	var p v1.RegisterAgentRequest
	if err := ipc.DecodeData(params, &p); err != nil {
		return nil, apperrors.BadRequest("invalid agent.register params: " + err.Error())
	}
	if p.Agent.AgentID == "" || p.Agent.Kind == "" {
		return nil, apperrors.ValidationError("agent", "agent_id and kind are required")
	}
	d.registry.Register(p.Agent)
	return map[string]interface{}{"agent_id": p.Agent.AgentID}, nil
}

func (d *Dispatcher) agentList(ctx context.Context, sess *v1.Session, params map[string]interface{}) (interface{}, *apperrors.AppError) {
	return map[string]interface{}{"agents": d.registry.List()}, nil
}

func (d *Dispatcher) auditList(ctx context.Context, sess *v1.Session, params map[string]interface{}) (interface{}, *apperrors.AppError) {
	var p AuditListParams
	if err := ipc.DecodeData(params, &p); err != nil {
		return nil, apperrors.BadRequest("invalid audit.list params: " + err.Error())
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	page, err := d.audit.List(ctx, persistence.AuditFilter{GoalID: p.GoalID, WorkItemID: p.WorkItemID, EntityType: p.EntityType}, limit, p.Offset)
	if err != nil {
		return nil, apperrors.PersistenceFault(err)
	}
	return page, nil
}
