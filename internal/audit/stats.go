package audit

import (
	"context"
	"sort"

	"github.com/amanthanvi/ticketdesk/internal/redact"
)

// Statistics summarizes the current window. topN of zero or less means 10.
// Anonymous and anonymized events count toward actions but not actors.
func (l *Ledger) Statistics(ctx context.Context, topN int) Statistics {
	_ = ctx
	return Summarize(l.window(), topN)
}

func Summarize(events []AuditEvent, topN int) Statistics {
	if topN <= 0 {
		topN = defaultStatisticsTopSize
	}

	stats := Statistics{
		TotalEvents: len(events),
		TopActions:  []ActionCount{},
		TopActors:   []ActorCount{},
	}
	if len(events) == 0 {
		return stats
	}

	oldest, newest := events[0].Timestamp, events[0].Timestamp
	actions := map[string]int{}
	actors := map[string]*ActorCount{}
	for _, event := range events {
		if event.Timestamp.Before(oldest) {
			oldest = event.Timestamp
		}
		if event.Timestamp.After(newest) {
			newest = event.Timestamp
		}
		actions[event.Action]++
		if event.ActorID == "" || event.ActorID == redact.Sentinel {
			continue
		}
		actor, ok := actors[event.ActorID]
		if !ok {
			actor = &ActorCount{ActorID: event.ActorID}
			actors[event.ActorID] = actor
		}
		actor.Count++
		if event.ActorLabel != "" {
			actor.ActorLabel = event.ActorLabel
		}
	}
	stats.DateRange = DateRange{Oldest: &oldest, Newest: &newest}

	for action, count := range actions {
		stats.TopActions = append(stats.TopActions, ActionCount{Action: action, Count: count})
	}
	sort.Slice(stats.TopActions, func(i, j int) bool {
		a, b := stats.TopActions[i], stats.TopActions[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Action < b.Action
	})
	if len(stats.TopActions) > topN {
		stats.TopActions = stats.TopActions[:topN]
	}

	for _, actor := range actors {
		stats.TopActors = append(stats.TopActors, *actor)
	}
	sort.Slice(stats.TopActors, func(i, j int) bool {
		a, b := stats.TopActors[i], stats.TopActors[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.ActorID < b.ActorID
	})
	if len(stats.TopActors) > topN {
		stats.TopActors = stats.TopActors[:topN]
	}
	return stats
}
