// Package remediation records records that need a human to correct them and
// mirrors the tasks onto the Notion remediation board when one is configured.
package remediation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evv-cli/internal/model"
	"github.com/sells-group/evv-cli/pkg/notion"
)

// Store is the persistence the router needs.
type Store interface {
	UpsertRemediation(ctx context.Context, task *model.RemediationTask) (bool, error)
	SetRemediationRef(ctx context.Context, taskID, ref string) error
	ResolveRemediations(ctx context.Context, entity model.EntityType, recordID string) ([]model.RemediationTask, error)
}

// Board is the external task board. *notion.Board implements it.
type Board interface {
	Open(ctx context.Context, t notion.Task) (string, error)
	Update(ctx context.Context, pageID string, codes []string, detail string) error
	Resolve(ctx context.Context, pageID string) error
}

var _ Board = (*notion.Board)(nil)

// Router opens and resolves remediation tasks. Board errors are logged and
// do not fail the caller; the store row is the source of truth and a task
// without a board reference is re-opened on the board the next time it is
// routed.
type Router struct {
	store Store
	board Board
	log   *zap.Logger
}

// New creates a Router. board may be nil.
func New(s Store, board Board) *Router {
	return &Router{
		store: s,
		board: board,
		log:   zap.L().With(zap.String("component", "remediation")),
	}
}

// NewTask builds an open task from a list of issues.
func NewTask(orgID string, entity model.EntityType, recordID string, kind model.RemediationKind, issues []model.Issue) *model.RemediationTask {
	msgs := make([]string, 0, len(issues))
	for _, is := range issues {
		msgs = append(msgs, is.Message)
	}
	return &model.RemediationTask{
		OrgID:      orgID,
		EntityType: entity,
		RecordID:   recordID,
		Kind:       kind,
		Codes:      model.IssueCodes(issues),
		Detail:     strings.Join(msgs, "; "),
	}
}

// Route stores task, deduplicating against an open task for the same record
// and kind, and keeps the board card in step. It reports whether a new task
// was opened.
func (r *Router) Route(ctx context.Context, task *model.RemediationTask) (bool, error) {
	if task == nil {
		return false, eris.New("remediation: nil task")
	}
	created, err := r.store.UpsertRemediation(ctx, task)
	if err != nil {
		return false, eris.Wrapf(err, "remediation: route %s %s", task.EntityType, task.RecordID)
	}
	r.log.Info("remediation task routed",
		zap.String("org_id", task.OrgID),
		zap.String("record_id", task.RecordID),
		zap.String("kind", string(task.Kind)),
		zap.Strings("codes", task.Codes),
		zap.Bool("created", created),
	)
	if r.board == nil {
		return created, nil
	}

	if task.ExternalRef != "" {
		err := r.board.Update(ctx, task.ExternalRef, task.Codes, task.Detail)
		if err == nil {
			return created, nil
		}
		if !eris.Is(err, notion.ErrPageGone) {
			r.log.Warn("remediation board update failed", zap.String("task_id", task.ID), zap.Error(err))
			return created, nil
		}
		r.log.Info("remediation card removed from board, opening a new one",
			zap.String("task_id", task.ID),
			zap.String("page_id", task.ExternalRef),
		)
	}

	opened := task.CreatedAt
	if opened.IsZero() {
		opened = time.Now()
	}
	ref, err := r.board.Open(ctx, notion.Task{
		Title:    title(task),
		Kind:     string(task.Kind),
		OrgID:    task.OrgID,
		RecordID: task.RecordID,
		Codes:    task.Codes,
		Detail:   task.Detail,
		OpenedAt: opened,
	})
	if err != nil {
		r.log.Warn("remediation board open failed", zap.String("task_id", task.ID), zap.Error(err))
		return created, nil
	}
	if err := r.store.SetRemediationRef(ctx, task.ID, ref); err != nil {
		return created, eris.Wrapf(err, "remediation: save board ref for %s", task.ID)
	}
	task.ExternalRef = ref
	return created, nil
}

// Resolve closes the open tasks for a record, typically after the
// aggregator accepts it, and returns how many were closed.
func (r *Router) Resolve(ctx context.Context, entity model.EntityType, recordID string) (int, error) {
	resolved, err := r.store.ResolveRemediations(ctx, entity, recordID)
	if err != nil {
		return 0, eris.Wrapf(err, "remediation: resolve %s %s", entity, recordID)
	}
	if r.board != nil {
		for _, t := range resolved {
			if t.ExternalRef == "" {
				continue
			}
			if err := r.board.Resolve(ctx, t.ExternalRef); err != nil {
				r.log.Warn("remediation board resolve failed", zap.String("task_id", t.ID), zap.Error(err))
			}
		}
	}
	if len(resolved) > 0 {
		r.log.Info("remediation tasks resolved", zap.String("record_id", recordID), zap.Int("count", len(resolved)))
	}
	return len(resolved), nil
}

func title(t *model.RemediationTask) string {
	return fmt.Sprintf("%s %s: %s", t.EntityType, t.RecordID, strings.ReplaceAll(string(t.Kind), "_", " "))
}
