package roster

import (
	"context"
	"fmt"
	"time"

	"qi-agent/core/pkg/agent"
	"qi-agent/core/pkg/store"
	"qi-agent/core/pkg/tools"
)

const timelineInstructions = `You are the project timeline manager for a nursing quality-improvement project.

Always look milestones up with the milestones tools before answering; never answer schedule questions from memory. Mention only due dates that the tools returned. Milestones are created or updated only when the user explicitly asks for it.`

// MilestoneAdapter exposes the project milestone table as a tool. It is the
// only write path into milestones; every other agent reads.
type MilestoneAdapter struct {
	store func() *store.ProjectStore
	now   func() time.Time
}

// NewMilestoneAdapter wires the adapter to the active-project accessor.
func NewMilestoneAdapter(storeFn func() *store.ProjectStore) *MilestoneAdapter {
	return &MilestoneAdapter{store: storeFn, now: time.Now}
}

func (a *MilestoneAdapter) Name() string { return "milestones" }

type milestoneAddParams struct {
	Name         string   `json:"name" jsonschema:"required,description=Milestone name"`
	DueDate      string   `json:"due_date" jsonschema:"required,description=ISO due date YYYY-MM-DD"`
	Deliverables []string `json:"deliverables,omitempty"`
	Notes        string   `json:"notes,omitempty"`
}

type milestoneRangeParams struct {
	Start string `json:"start" jsonschema:"required,description=ISO start date"`
	End   string `json:"end" jsonschema:"required,description=ISO end date"`
}

type milestoneStatusParams struct {
	ID     int    `json:"id" jsonschema:"required"`
	Status string `json:"status" jsonschema:"required,enum=not_started,enum=in_progress,enum=complete,enum=blocked"`
}

func (a *MilestoneAdapter) Methods() []tools.MethodSpec {
	return []tools.MethodSpec{
		{Name: "get_next", Description: "Return the next upcoming incomplete milestone."},
		{Name: "list", Description: "List every milestone with status and due date."},
		{Name: "list_between", Description: "List milestones due inside a date range.", ParamSchema: tools.SchemaFor(milestoneRangeParams{})},
		{Name: "add", Description: "Create a milestone. Use only on an explicit user request.", ParamSchema: tools.SchemaFor(milestoneAddParams{})},
		{Name: "update_status", Description: "Set a milestone's status.", ParamSchema: tools.SchemaFor(milestoneStatusParams{})},
	}
}

func (a *MilestoneAdapter) Invoke(ctx context.Context, method string, params map[string]any) (*tools.Result, error) {
	st := a.store()
	if st == nil {
		return nil, &tools.ToolError{Tool: a.Name(), Kind: tools.KindUser, Err: fmt.Errorf("no active project")}
	}

	switch method {
	case "get_next":
		next, err := st.NextMilestone(ctx, a.now().Format("2006-01-02"))
		if err != nil {
			return nil, &tools.ToolError{Tool: a.Name(), Kind: tools.KindTransient, Err: err}
		}
		if next == nil {
			return &tools.Result{Data: map[string]any{"milestone": nil, "dates": []string{}}}, nil
		}
		return milestoneResult(*next), nil

	case "list":
		list, err := st.ListMilestones(ctx)
		if err != nil {
			return nil, &tools.ToolError{Tool: a.Name(), Kind: tools.KindTransient, Err: err}
		}
		return milestonesResult(list), nil

	case "list_between":
		start, err := tools.ParamString(params, "start")
		if err != nil {
			return nil, &tools.ToolError{Tool: a.Name(), Kind: tools.KindUser, Err: err}
		}
		end, err := tools.ParamString(params, "end")
		if err != nil {
			return nil, &tools.ToolError{Tool: a.Name(), Kind: tools.KindUser, Err: err}
		}
		list, err := st.ListMilestonesBetween(ctx, start, end)
		if err != nil {
			return nil, &tools.ToolError{Tool: a.Name(), Kind: tools.KindTransient, Err: err}
		}
		return milestonesResult(list), nil

	case "add":
		name, err := tools.ParamString(params, "name")
		if err != nil {
			return nil, &tools.ToolError{Tool: a.Name(), Kind: tools.KindUser, Err: err}
		}
		due, err := tools.ParamString(params, "due_date")
		if err != nil {
			return nil, &tools.ToolError{Tool: a.Name(), Kind: tools.KindUser, Err: err}
		}
		if _, err := time.Parse("2006-01-02", due); err != nil {
			return nil, &tools.ToolError{Tool: a.Name(), Kind: tools.KindUser, Err: fmt.Errorf("due_date must be YYYY-MM-DD: %w", err)}
		}
		m := store.Milestone{Name: name, DueDate: due, Status: store.MilestoneNotStarted}
		if notes, ok := params["notes"].(string); ok {
			m.Notes = notes
		}
		if raw, ok := params["deliverables"].([]any); ok {
			for _, d := range raw {
				if s, ok := d.(string); ok {
					m.Deliverables = append(m.Deliverables, s)
				}
			}
		}
		id, err := st.InsertMilestone(ctx, m)
		if err != nil {
			return nil, &tools.ToolError{Tool: a.Name(), Kind: tools.KindTransient, Err: err}
		}
		m.ID = id
		return milestoneResult(m), nil

	case "update_status":
		id := tools.ParamInt(params, "id", 0)
		status, err := tools.ParamString(params, "status")
		if err != nil {
			return nil, &tools.ToolError{Tool: a.Name(), Kind: tools.KindUser, Err: err}
		}
		if err := st.UpdateMilestoneStatus(ctx, int64(id), status); err != nil {
			return nil, &tools.ToolError{Tool: a.Name(), Kind: tools.KindUser, Err: err}
		}
		list, err := st.ListMilestones(ctx)
		if err != nil {
			return nil, &tools.ToolError{Tool: a.Name(), Kind: tools.KindTransient, Err: err}
		}
		return milestonesResult(list), nil

	default:
		return nil, tools.UnknownMethodError(a.Name(), method)
	}
}

func milestoneResult(m store.Milestone) *tools.Result {
	return &tools.Result{Data: map[string]any{
		"milestone": milestoneMap(m),
		"dates":     []string{m.DueDate},
	}}
}

func milestonesResult(list []store.Milestone) *tools.Result {
	items := make([]map[string]any, 0, len(list))
	dates := make([]string, 0, len(list))
	for _, m := range list {
		items = append(items, milestoneMap(m))
		dates = append(dates, m.DueDate)
	}
	return &tools.Result{Data: map[string]any{"milestones": items, "dates": dates}}
}

func milestoneMap(m store.Milestone) map[string]any {
	return map[string]any{
		"id":           m.ID,
		"name":         m.Name,
		"due_date":     m.DueDate,
		"status":       m.Status,
		"deliverables": m.Deliverables,
		"notes":        m.Notes,
	}
}

// groundOnMilestoneDates verifies every ISO date in the reply against dates
// returned by milestone lookups in the same turn. Dates with no lookup in the
// tool log fail validation outright.
func groundOnMilestoneDates(_ context.Context, _ *agent.Request, draft string, calls []*tools.Invocation, _ []tools.Finding) (agent.Verdict, []string, error) {
	cited := agent.ExtractISODates(draft)
	if len(cited) == 0 {
		return agent.VerdictGrounded, nil, nil
	}

	verified := make(map[string]bool)
	looked := false
	for _, inv := range calls {
		if inv.Tool != "milestones" || inv.Result == nil {
			continue
		}
		looked = true
		if dates, ok := inv.Result.Data["dates"].([]string); ok {
			for _, d := range dates {
				verified[d] = true
			}
		}
	}
	if !looked {
		return agent.VerdictHallucinated, cited, nil
	}

	var unverified []string
	for _, d := range cited {
		if !verified[d] {
			unverified = append(unverified, d)
		}
	}
	if len(unverified) > 0 {
		return agent.VerdictHallucinated, unverified, nil
	}
	return agent.VerdictGrounded, nil, nil
}

// TimelineAgent answers schedule questions and maintains milestones.
type TimelineAgent struct {
	base *agent.Base
}

// NewTimelineAgent builds the timeline specialist over the milestone adapter.
func NewTimelineAgent(deps Deps) (*TimelineAgent, error) {
	adapter := NewMilestoneAdapter(deps.Store)
	base, err := agent.NewBase(
		baseConfig(deps, KeyTimeline, "Project Timeline", timelineInstructions),
		deps.Model, deps.Runner,
		[]agent.Binding{{Adapter: adapter}},
		groundOnMilestoneDates,
		deps.Audit, deps.Logger,
	)
	if err != nil {
		return nil, err
	}
	return &TimelineAgent{base: base}, nil
}

func (a *TimelineAgent) Key() string         { return a.base.Key() }
func (a *TimelineAgent) DisplayName() string { return a.base.DisplayName() }

func (a *TimelineAgent) Actions() []string {
	return []string{"get_next_milestone", "list_milestones", "add_milestone", "update_milestone", "check_timeline"}
}

func (a *TimelineAgent) Execute(ctx context.Context, req *agent.Request) (*agent.Response, error) {
	resp, err := a.base.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, inv := range resp.ToolCalls {
		if inv.Tool != "milestones" || inv.Result == nil {
			continue
		}
		if m, ok := inv.Result.Data["milestone"]; ok && m != nil {
			resp.Output["milestone"] = m
		}
		if list, ok := inv.Result.Data["milestones"]; ok {
			resp.Output["milestones"] = list
		}
	}
	return resp, nil
}
