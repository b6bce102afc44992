package referral

import (
	"context"
	"sort"

	"carelink.app/internal/docstore"
)

// Watch streams views of every referral, recomputing the derived overdue data
// on each snapshot. The channel closes when ctx is done.
func (m *Manager) Watch(ctx context.Context) <-chan []View {
	return m.WatchSelector(ctx, docstore.All())
}

// WatchSelector is Watch restricted to sel.
func (m *Manager) WatchSelector(ctx context.Context, sel docstore.Selector) <-chan []View {
	out := make(chan []View, 1)
	sub := m.col.Subscribe(sel)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case docs, ok := <-sub.C():
				if !ok {
					return
				}
				refs, err := decodeAll(docs)
				if err != nil {
					m.log.WithError(err).Error("decode referral snapshot")
					continue
				}
				now := m.now()
				views := make([]View, len(refs))
				for i, r := range refs {
					views[i] = NewView(r, now)
				}
				select {
				case <-out:
				default:
				}
				select {
				case out <- views:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Column is one pipeline stage of the board.
type Column struct {
	Status    Status
	Referrals []View
	Overdue   int
}

// Board groups views into pipeline columns. Within the pending column overdue
// referrals come first; every column is otherwise newest first.
func Board(views []View) []Column {
	byStatus := make(map[Status][]View, len(Pipeline))
	for _, v := range views {
		byStatus[v.Status] = append(byStatus[v.Status], v)
	}
	cols := make([]Column, 0, len(Pipeline))
	for _, st := range Pipeline {
		vs := byStatus[st]
		sort.SliceStable(vs, func(i, j int) bool {
			if vs[i].IsOverdue != vs[j].IsOverdue {
				return vs[i].IsOverdue
			}
			return vs[i].CreatedAt.After(vs[j].CreatedAt)
		})
		col := Column{Status: st, Referrals: vs}
		for _, v := range vs {
			if v.IsOverdue {
				col.Overdue++
			}
		}
		cols = append(cols, col)
	}
	return cols
}
