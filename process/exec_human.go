package process

import (
	"context"
	"fmt"
	"time"
)

// resolveAssignees turns descriptor maps from node config into user and
// role/group id sets. Dynamic kinds go through the organization directory.
func resolveAssignees(ctx context.Context, st *State, ec *ExecContext, descriptors []interface{}) (users, roles, groups []string, err *ExecutionError) {
	for _, raw := range descriptors {
		desc, ok := raw.(map[string]interface{})
		if !ok {
			return nil, nil, nil, NewValidationError("INVALID_CONFIG", "assignee descriptor must be a map")
		}
		kind := configString(desc, "kind", "users")
		switch kind {
		case "users":
			users = append(users, configStringSlice(desc, "user_ids")...)
		case "role":
			roles = append(roles, configString(desc, "role", ""))
		case "group":
			groups = append(groups, configString(desc, "group", ""))
		case "expression":
			value, evalErr := st.Evaluate(configString(desc, "expression", ""))
			if evalErr != nil {
				return nil, nil, nil, evalErr
			}
			switch v := value.(type) {
			case string:
				users = append(users, v)
			case []interface{}:
				for _, item := range v {
					if id, ok := item.(string); ok {
						users = append(users, id)
					}
				}
			default:
				return nil, nil, nil, NewValidationError("INVALID_CONFIG",
					"assignee expression produced %T, want user id(s)", value)
			}
		default:
			// dynamic_manager, department_manager, department_by_name,
			// management_chain: the directory resolves them.
			if ec.Deps.Directory == nil {
				return nil, nil, nil, NewConfigurationError("MISSING_DEPENDENCY",
					"assignee kind %q needs a user directory", kind)
			}
			resolved, dirErr := ec.Deps.Directory.ResolveAssignees(ctx, AssigneeDescriptor{
				Kind:       kind,
				Department: configString(desc, "department", ""),
				Level:      configInt(desc, "level", 1),
				Role:       configString(desc, "role", ""),
				Group:      configString(desc, "group", ""),
			}, ec.processContext(st), ec.OrgID)
			if dirErr != nil {
				return nil, nil, nil, wrapError(CategoryExternal, "ASSIGNEE_RESOLUTION_FAILED", dirErr,
					"failed to resolve %s assignees: %v", kind, dirErr)
			}
			users = append(users, resolved...)
		}
	}
	return users, roles, groups, nil
}

// approvalExecutor pauses the execution on a human decision. The engine
// persists the approval request built from the waiting metadata.
//
// Config:
//
//	title          approval title template (required)
//	description    longer description template
//	assignees      list of assignee descriptors
//	assignee_type  "any" (default) or "all"
//	timeout_hours  deadline, hours from now
//	escalate_to    user id the approval escalates to at the deadline
//	priority       inbox priority hint
//	min_approvals  approval quorum; below 2, one approval decides
//	escalate_after_hours  hours before escalation to escalation_user_ids
//	escalation_user_ids   users the approval escalates to
//	context        extra data shown to approvers, interpolated
//	rejected_node  successor on rejection; without it (or a "rejected"
//	               labeled edge) a rejection fails the process
type approvalExecutor struct {
	deps *Dependencies
}

func (x *approvalExecutor) Validate(node *Node) *ExecutionError {
	if configString(node.Config, "title", "") == "" {
		return NewValidationError("MISSING_CONFIG", "approval node %s needs a title", node.ID)
	}
	return nil
}

func (x *approvalExecutor) Execute(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult {
	meta, err := humanGateMetadata(ctx, node, st, ec)
	if err != nil {
		return Failure(err)
	}
	return Waiting(WaitApproval, meta)
}

// humanTaskExecutor pauses on a human work item. Unlike an approval, the
// resume payload becomes part of the node output, so the task can collect
// form data.
//
// Config: as approvalExecutor, plus
//
//	fields  descriptive form field list passed through to the assignees
type humanTaskExecutor struct {
	deps *Dependencies
}

func (x *humanTaskExecutor) Validate(node *Node) *ExecutionError {
	if configString(node.Config, "title", "") == "" {
		return NewValidationError("MISSING_CONFIG", "human task node %s needs a title", node.ID)
	}
	return nil
}

func (x *humanTaskExecutor) Execute(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult {
	meta, err := humanGateMetadata(ctx, node, st, ec)
	if err != nil {
		return Failure(err)
	}
	if fields := configSlice(node.Config, "fields"); len(fields) > 0 {
		meta["fields"] = fields
	}
	return Waiting(WaitHumanTask, meta)
}

// humanGateMetadata builds the waiting metadata shared by approval and
// human-task gates.
func humanGateMetadata(ctx context.Context, node *Node, st *State, ec *ExecContext) (map[string]interface{}, *ExecutionError) {
	title, err := st.InterpolateString(configString(node.Config, "title", ""))
	if err != nil {
		return nil, err
	}
	description, err := st.InterpolateString(configString(node.Config, "description", ""))
	if err != nil {
		return nil, err
	}
	users, roles, groups, err := resolveAssignees(ctx, st, ec, configSlice(node.Config, "assignees"))
	if err != nil {
		return nil, err
	}

	meta := map[string]interface{}{
		"title":         title,
		"description":   description,
		"assignee_type": configString(node.Config, "assignee_type", "any"),
	}
	if len(users) > 0 {
		meta["assigned_user_ids"] = users
	}
	if len(roles) > 0 {
		meta["assigned_role_ids"] = roles
	}
	if len(groups) > 0 {
		meta["assigned_group_ids"] = groups
	}
	if hours := configFloat(node.Config, "timeout_hours", 0); hours > 0 {
		meta["deadline"] = ec.now().Add(time.Duration(hours * float64(time.Hour)))
	}
	if escalate := configString(node.Config, "escalate_to", ""); escalate != "" {
		meta["escalate_to"] = escalate
	}
	if priority := configString(node.Config, "priority", ""); priority != "" {
		meta["priority"] = priority
	}
	if min := configInt(node.Config, "min_approvals", 0); min > 1 {
		meta["min_approvals"] = min
	}
	if hours := configFloat(node.Config, "escalate_after_hours", 0); hours > 0 {
		meta["escalate_after_hours"] = hours
	}
	if ids := configStringSlice(node.Config, "escalation_user_ids"); len(ids) > 0 {
		meta["escalation_user_ids"] = ids
	}
	if rawCtx := configMap(node.Config, "context"); rawCtx != nil {
		resolved, ctxErr := st.InterpolateValue(rawCtx)
		if ctxErr != nil {
			return nil, ctxErr
		}
		meta["context"] = resolved
	}
	return meta, nil
}

// notificationExecutor sends a message through the host's notifier.
// Delivery failure does not fail the process; the node succeeds with
// sent=false and a warning is logged.
//
// Config:
//
//	channel     "email" (default), "sms", "push", "in_app"
//	recipients  list of user ids, shortcuts, or {{ expressions }};
//	            shortcuts: "requester", "self", "manager", "supervisor"
//	title       subject template
//	message     body template (required)
//	template_id host template name, with template_data
//	priority    delivery priority hint
type notificationExecutor struct {
	deps *Dependencies
}

func (x *notificationExecutor) Validate(node *Node) *ExecutionError {
	if configString(node.Config, "message", "") == "" && configString(node.Config, "template_id", "") == "" {
		return NewValidationError("MISSING_CONFIG", "notification node %s needs a message or template_id", node.ID)
	}
	return nil
}

func (x *notificationExecutor) Execute(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult {
	if x.deps.Notifier == nil {
		return Failure(NewConfigurationError("MISSING_DEPENDENCY", "no notification service is configured"))
	}

	recipients, err := x.resolveRecipients(ctx, node, st, ec)
	if err != nil {
		return Failure(err)
	}
	if len(recipients) == 0 {
		return Failure(NewBusinessError("NO_RECIPIENTS", "notification node %s resolved no recipients", node.ID))
	}

	title, err := st.InterpolateString(configString(node.Config, "title", ""))
	if err != nil {
		return Failure(err)
	}
	message, err := st.InterpolateString(configString(node.Config, "message", ""))
	if err != nil {
		return Failure(err)
	}
	var templateData map[string]interface{}
	if raw := configMap(node.Config, "template_data"); raw != nil {
		resolved, tdErr := st.InterpolateValue(raw)
		if tdErr != nil {
			return Failure(tdErr)
		}
		templateData = resolved.(map[string]interface{})
	}

	result, sendErr := x.deps.Notifier.Send(ctx, Notification{
		Channel:      configString(node.Config, "channel", "email"),
		Recipients:   recipients,
		Title:        title,
		Message:      message,
		TemplateID:   configString(node.Config, "template_id", ""),
		TemplateData: templateData,
		Priority:     configString(node.Config, "priority", ""),
	})
	if sendErr != nil {
		res := Success(map[string]interface{}{"sent": false, "recipients": recipients})
		res.Logs = []string{fmt.Sprintf("notification delivery failed: %v", sendErr)}
		return res
	}

	out := map[string]interface{}{"sent": true, "recipients": recipients}
	for k, v := range result {
		out[k] = v
	}
	return Success(out)
}

func (x *notificationExecutor) resolveRecipients(ctx context.Context, node *Node, st *State, ec *ExecContext) ([]string, *ExecutionError) {
	var out []string
	seen := map[string]bool{}
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}

	for _, raw := range configSlice(node.Config, "recipients") {
		entry, ok := raw.(string)
		if !ok {
			return nil, NewValidationError("INVALID_CONFIG", "recipients must be strings")
		}
		switch entry {
		case "requester", "self":
			add(ec.UserID)
		case "manager", "supervisor":
			if x.deps.Directory == nil {
				return nil, NewConfigurationError("MISSING_DEPENDENCY", "recipient %q needs a user directory", entry)
			}
			user, dirErr := x.deps.Directory.GetUser(ctx, ec.UserID, ec.OrgID)
			if dirErr != nil {
				return nil, wrapError(CategoryExternal, "RECIPIENT_RESOLUTION_FAILED", dirErr,
					"failed to resolve %s: %v", entry, dirErr)
			}
			add(user.ManagerID)
		default:
			resolved, ierr := st.InterpolateValue(entry)
			if ierr != nil {
				return nil, ierr
			}
			switch v := resolved.(type) {
			case string:
				add(v)
			case []interface{}:
				for _, item := range v {
					if id, ok := item.(string); ok {
						add(id)
					}
				}
			}
		}
	}
	return out, nil
}
