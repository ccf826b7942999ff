package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"minutes-api/domain"
)

// chainNode is an action item annotated with its minute.
type chainNode struct {
	minuteID  string
	seriesID  string
	topicID   string
	date      time.Time
	finalized bool
	topicPos  int
	itemPos   int
	order     int
	item      domain.Item
}

func (n chainNode) minute() *domain.Minute {
	return &domain.Minute{ID: n.minuteID, SeriesID: n.seriesID, Date: n.date, IsFinalized: n.finalized}
}

// ResolveChains groups every action item into chains by following the
// originalTaskId/parentItemId pointers backwards and links each chain to a
// single task. Chains are handled one at a time; when ctx ends the report
// covers the chains finished so far and the context error is returned.
func (e *Engine) ResolveChains(ctx context.Context, actor string) (*ChainReport, error) {
	ctx, span := e.startSpan(ctx, "ResolveChains")
	defer span.End()

	if err := e.authorize(ctx, actor, domain.ActionAdmin, ""); err != nil {
		return nil, err
	}
	report := &ChainReport{}
	nodes, err := e.collectActionItems(ctx, report)
	if err != nil {
		return nil, err
	}
	chains := groupChains(nodes)
	report.ChainsFound = len(chains)
	for i, chain := range chains {
		if err := ctx.Err(); err != nil {
			e.logger.WithFields(log.Fields{"done": i, "chains": len(chains)}).Warn("chain resolution interrupted")
			return report, err
		}
		e.resolveChain(ctx, actor, chain, report)
	}
	e.logFailures("chain resolution step failed", report.Failed)
	e.logger.WithFields(log.Fields{
		"chains":    report.ChainsFound,
		"created":   report.TasksCreated,
		"updated":   report.ItemsUpdated,
		"refreshed": report.TasksRefreshed,
		"removed":   report.TasksRemoved,
		"reindexed": report.MinutesReindexed,
		"failed":    len(report.Failed),
	}).Info("chain resolution finished")
	return report, nil
}

// collectActionItems loads every action item ordered oldest first per series.
// Each minute's item index is rewritten on the way, so reference lookups made
// while resolving see every stored link.
func (e *Engine) collectActionItems(ctx context.Context, report *ChainReport) ([]chainNode, error) {
	var nodes []chainNode
	err := e.minutes.ListMinutes(ctx, func(m *domain.Minute) error {
		if err := e.minutes.ReindexMinute(ctx, m); err != nil {
			report.Failed = append(report.Failed, failure("reindex-minute", m.ID, "", "", err))
		} else {
			report.MinutesReindexed++
		}
		for ti, topic := range m.Topics {
			for ii, it := range topic.Items {
				if !it.IsAction() {
					continue
				}
				nodes = append(nodes, chainNode{
					minuteID:  m.ID,
					seriesID:  m.SeriesID,
					topicID:   topic.ID,
					date:      m.Date,
					finalized: m.IsFinalized,
					topicPos:  ti,
					itemPos:   ii,
					item:      it.Clone(),
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.seriesID != b.seriesID {
			return a.seriesID < b.seriesID
		}
		if !a.date.Equal(b.date) {
			return a.date.Before(b.date)
		}
		if a.minuteID != b.minuteID {
			return a.minuteID < b.minuteID
		}
		if a.topicPos != b.topicPos {
			return a.topicPos < b.topicPos
		}
		return a.itemPos < b.itemPos
	})
	for i := range nodes {
		nodes[i].order = i
	}
	return nodes, nil
}

// groupChains buckets nodes by chain root, then merges buckets linked to the
// same task so a split chain keeps a single canonical item. Node order is
// kept inside each chain and chains are ordered by their first node.
func groupChains(nodes []chainNode) [][]chainNode {
	parents := make(map[string]string, len(nodes))
	for _, n := range nodes {
		if _, ok := parents[n.item.ID]; !ok {
			parents[n.item.ID] = n.item.ChainParent()
		}
	}
	memo := map[string]string{}
	index := map[string]int{}
	var chains [][]chainNode
	for _, n := range nodes {
		root := chainRoot(n.item.ID, parents, memo)
		i, ok := index[root]
		if !ok {
			i = len(chains)
			index[root] = i
			chains = append(chains, nil)
		}
		chains[i] = append(chains[i], n)
	}
	return mergeByTask(chains)
}

// mergeByTask joins chains that share a linked task id using a union-find
// over chain indexes.
func mergeByTask(chains [][]chainNode) [][]chainNode {
	parent := make([]int, len(chains))
	for i := range parent {
		parent[i] = i
	}
	find := func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	owner := map[string]int{}
	for i, chain := range chains {
		for _, n := range chain {
			id := n.item.TaskID()
			if id == "" {
				continue
			}
			j, ok := owner[id]
			if !ok {
				owner[id] = i
				continue
			}
			a, b := find(i), find(j)
			if a == b {
				continue
			}
			// The lower index keeps its place in the chain order.
			if a < b {
				parent[b] = a
			} else {
				parent[a] = b
			}
		}
	}
	var merged [][]chainNode
	slot := map[int]int{}
	for i, chain := range chains {
		r := find(i)
		k, ok := slot[r]
		if !ok {
			k = len(merged)
			slot[r] = k
			merged = append(merged, nil)
		}
		merged[k] = append(merged[k], chain...)
	}
	for _, chain := range merged {
		sort.SliceStable(chain, func(i, j int) bool { return chain[i].order < chain[j].order })
	}
	return merged
}

// chainRoot walks parent pointers from id. The walk stops at an item without
// parent, at a pointer to an unknown item (the pointer becomes the root) or
// on a cycle, whose smallest id becomes the root so every member agrees.
func chainRoot(id string, parents, memo map[string]string) string {
	if r, ok := memo[id]; ok {
		return r
	}
	var path []string
	onPath := map[string]int{}
	root := ""
	for cur := id; ; {
		if r, ok := memo[cur]; ok {
			root = r
			break
		}
		onPath[cur] = len(path)
		path = append(path, cur)
		p, known := parents[cur]
		if !known || p == "" {
			root = cur
			break
		}
		if at, seen := onPath[p]; seen {
			root = path[at]
			for _, c := range path[at:] {
				if c < root {
					root = c
				}
			}
			break
		}
		cur = p
	}
	for _, c := range path {
		memo[c] = root
	}
	return root
}

// canonicalNode prefers finalized items, then the later date, then the later
// position in the stable order.
func canonicalNode(chain []chainNode) chainNode {
	best := chain[0]
	for _, n := range chain[1:] {
		if n.finalized != best.finalized {
			if n.finalized {
				best = n
			}
			continue
		}
		if !n.date.Equal(best.date) {
			if n.date.After(best.date) {
				best = n
			}
			continue
		}
		if n.order > best.order {
			best = n
		}
	}
	return best
}

func (e *Engine) resolveChain(ctx context.Context, actor string, chain []chainNode, report *ChainReport) {
	canon := canonicalNode(chain)
	now := e.now()
	var events []domain.TaskEvent
	defer func() { e.emit(ctx, events) }()
	fail := func(step string, n chainNode, taskID string, err error) {
		report.Failed = append(report.Failed, failure(step, n.minuteID, n.item.ID, taskID, err))
	}

	// Linked task ids in chain order, the canonical item's first.
	var linked []string
	seen := map[string]struct{}{}
	addLinked := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		linked = append(linked, id)
	}
	addLinked(canon.item.TaskID())
	for _, n := range chain {
		addLinked(n.item.TaskID())
	}

	existing := map[string]*domain.Task{}
	var task *domain.Task
	for _, id := range linked {
		t, err := e.tasks.GetTask(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			fail("load-task", canon, id, err)
			return
		}
		existing[id] = t
		if task == nil {
			task = t
		}
	}

	if task == nil {
		id := e.newID()
		if len(linked) > 0 {
			id = linked[0]
		}
		t := domain.TaskFromItem(id, canon.minute(), canon.topicID, canon.item, actor, now)
		if err := e.tasks.CreateTask(ctx, t); err != nil {
			fail("create-task", canon, id, err)
			return
		}
		report.TasksCreated++
		events = append(events, domain.NewTaskEvent(domain.TaskCreated, t, actor, now))
		task = &t
		existing[id] = task
	}

	for _, n := range chain {
		if n.item.TaskID() == task.ID {
			continue
		}
		changed, err := e.minutes.UpdateItem(ctx, n.minuteID, n.item.ID, func(it *domain.Item) bool {
			if !it.IsAction() || it.Action.ExternalTaskID == task.ID {
				return false
			}
			it.Action.ExternalTaskID = task.ID
			return true
		})
		if err != nil {
			fail("backfill-item", n, task.ID, err)
			continue
		}
		if changed {
			report.ItemsUpdated++
		}
	}

	refreshed := task.MirrorItem(canon.minute(), canon.topicID, canon.item, now)
	if task.MeetingSeriesID != canon.seriesID {
		task.MeetingSeriesID = canon.seriesID
		task.UpdatedAt = now.UTC()
		refreshed = true
	}
	if refreshed {
		if err := e.tasks.UpdateTask(ctx, *task); err != nil {
			fail("refresh-task", canon, task.ID, err)
		} else {
			report.TasksRefreshed++
			events = append(events, domain.NewTaskEvent(domain.TaskUpdated, *task, actor, now))
		}
	}

	for _, id := range linked {
		if id == task.ID {
			continue
		}
		displaced, ok := existing[id]
		if !ok {
			continue
		}
		refs, err := e.minutes.MinutesReferencingTask(ctx, id)
		if err != nil {
			fail("find-references", canon, id, err)
			continue
		}
		if len(refs) > 0 {
			e.logger.WithFields(log.Fields{"task": id, "kept": task.ID, "minutes": refs}).Warn("displaced task still referenced, keeping it")
			continue
		}
		if err := e.tasks.DeleteTask(ctx, id); err != nil {
			fail("remove-task", canon, id, err)
			continue
		}
		report.TasksRemoved++
		events = append(events, domain.NewTaskEvent(domain.TaskDeleted, *displaced, actor, now))
	}
}
