package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/aristath/productteam/internal/backend"
	"github.com/aristath/productteam/internal/classifier"
	"github.com/aristath/productteam/internal/query"
	"github.com/aristath/productteam/internal/registry"
)

// Revision is a reviewer's amendment to a plan.
type Revision struct {
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
	Notes  string   `json:"notes,omitempty"`
}

// Changes reports whether the revision alters the role set.
func (r Revision) Changes() bool { return len(r.Add) > 0 || len(r.Remove) > 0 }

// Reviewer critiques a plan before it runs.
type Reviewer interface {
	Review(ctx context.Context, snap *registry.Snapshot, q query.Query, plan *Plan) (Revision, error)
}

// BackendReviewer asks a reasoning backend to judge a plan. Every review
// gets its own backend.
type BackendReviewer struct {
	open backend.Opener
}

func NewBackendReviewer(open backend.Opener) *BackendReviewer {
	return &BackendReviewer{open: open}
}

const reviewSystem = "You review staffing plans for product-development requests. " +
	"Point out roles that are missing or not needed. Answer with one JSON object and nothing else."

// Review returns the amendment named in the backend's JSON answer.
func (r *BackendReviewer) Review(ctx context.Context, snap *registry.Snapshot, q query.Query, plan *Plan) (Revision, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\n", q.Text)
	if q.Stage != "" {
		fmt.Fprintf(&b, "Product stage: %s\n", q.Stage)
	}
	b.WriteString("\nPlanned roles, in execution order:\n")
	for _, id := range plan.Order {
		if role, err := snap.GetRole(id); err == nil {
			fmt.Fprintf(&b, "- %s (%s stage): %s\n", id, role.Stage, role.Description)
		}
	}
	b.WriteString("\nOther available roles:\n")
	for _, role := range snap.ListRoles() {
		if !slices.Contains(plan.Roles, role.ID) {
			fmt.Fprintf(&b, "- %s (%s stage): %s\n", role.ID, role.Stage, role.Description)
		}
	}
	b.WriteString("\nReply with {\"add\": [role IDs], \"remove\": [role IDs], \"notes\": \"one or two sentences\"}. " +
		"Leave both lists empty if the plan is complete.")

	be, err := r.open()
	if err != nil {
		return Revision{}, fmt.Errorf("opening review backend: %w", err)
	}
	defer be.Close()

	resp, err := be.Send(ctx, backend.Message{Content: b.String(), System: reviewSystem})
	if err != nil {
		return Revision{}, fmt.Errorf("reviewing plan: %w", err)
	}
	raw, err := backend.ExtractJSON(resp.Content)
	if err != nil {
		return Revision{}, fmt.Errorf("reviewing plan: %w", err)
	}
	var rev Revision
	if err := json.Unmarshal([]byte(raw), &rev); err != nil {
		return Revision{}, fmt.Errorf("reviewing plan: expected {\"add\", \"remove\", \"notes\"}: %w", err)
	}
	return rev, nil
}

// Review lets the configured reviewer amend plan and re-plans with the
// amended classification. The original plan is kept when there is no
// reviewer, when the review fails, or when the amended plan does not validate.
func (pl *Planner) Review(ctx context.Context, snap *registry.Snapshot, q query.Query, cls *classifier.Classification, plan *Plan) (*Plan, *classifier.Classification) {
	if pl.reviewer == nil {
		return plan, cls
	}

	key := fmt.Sprintf("%d|%s|%s", snap.Version(), q.Key(), strings.Join(plan.Order, ","))
	rev, ok := pl.reviews.Get(key)
	if !ok {
		var err error
		rev, err = pl.reviewer.Review(ctx, snap, q, plan)
		if err != nil {
			pl.logger.Warn("plan review failed, keeping plan", "err", err)
			return plan, cls
		}
		pl.reviews.Add(key, rev)
	}

	rev = sanitize(snap, plan, rev)
	if !rev.Changes() {
		plan.Review = &rev
		return plan, cls
	}

	amended := amend(cls, rev)
	next, err := build(snap, q, amended)
	if err != nil {
		pl.logger.Warn("reviewed plan rejected, keeping plan", "add", rev.Add, "remove", rev.Remove, "err", err)
		return plan, cls
	}
	next.Review = &rev
	pl.logger.Info("plan amended by review", "add", rev.Add, "remove", rev.Remove, "order", next.Order)
	return next, amended
}

// sanitize drops suggestions that name unknown roles or would not change the plan.
func sanitize(snap *registry.Snapshot, plan *Plan, rev Revision) Revision {
	out := Revision{Notes: strings.TrimSpace(rev.Notes)}
	seen := make(map[string]bool)
	for _, id := range rev.Remove {
		if slices.Contains(plan.Roles, id) && !seen[id] {
			seen[id] = true
			out.Remove = append(out.Remove, id)
		}
	}
	for _, id := range rev.Add {
		if _, err := snap.GetRole(id); err != nil || slices.Contains(plan.Roles, id) || seen[id] {
			continue
		}
		seen[id] = true
		out.Add = append(out.Add, id)
	}
	sort.Strings(out.Add)
	sort.Strings(out.Remove)
	return out
}

// amend applies rev to a copy of cls. Added roles carry no priority boost;
// hints touching removed roles are dropped.
func amend(cls *classifier.Classification, rev Revision) *classifier.Classification {
	out := &classifier.Classification{
		Ambiguous:       cls.Ambiguous,
		Method:          cls.Method + "+review",
		SnapshotVersion: cls.SnapshotVersion,
	}
	for _, a := range cls.Assignments {
		if !slices.Contains(rev.Remove, a.RoleID) {
			out.Assignments = append(out.Assignments, a)
		}
	}
	for _, id := range rev.Add {
		out.Assignments = append(out.Assignments, classifier.Assignment{RoleID: id})
	}
	for _, h := range cls.Hints {
		if !slices.Contains(rev.Remove, h.From) && !slices.Contains(rev.Remove, h.To) {
			out.Hints = append(out.Hints, h)
		}
	}
	return out
}
