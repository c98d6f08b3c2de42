package audit

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Query returns matching events newest first. Ties on timestamp keep the most
// recently appended event first. Results are deep copies.
func (l *Ledger) Query(ctx context.Context, filter Filter) ([]AuditEvent, error) {
	if err := contextErr(ctx); err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	limit, err := l.effectiveLimit(filter)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}

	matched := filterEvents(l.window(), filter)
	if filter.Offset >= len(matched) {
		return []AuditEvent{}, nil
	}
	end := filter.Offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return cloneEvents(matched[filter.Offset:end]), nil
}

func (l *Ledger) effectiveLimit(filter Filter) (int, error) {
	if err := ValidateFilter(filter, l.opts.MaxQueryLimit); err != nil {
		return 0, err
	}
	if filter.Limit == 0 {
		return l.opts.DefaultQueryLimit, nil
	}
	return filter.Limit, nil
}

// ValidateFilter rejects negative pagination, a limit above maxLimit and an
// inverted time range.
func ValidateFilter(filter Filter, maxLimit int) error {
	if filter.Offset < 0 {
		return fmt.Errorf("%w: offset %d is negative", ErrInvalidFilter, filter.Offset)
	}
	if filter.Limit < 0 {
		return fmt.Errorf("%w: limit %d is negative", ErrInvalidFilter, filter.Limit)
	}
	if maxLimit > 0 && filter.Limit > maxLimit {
		return fmt.Errorf("%w: limit %d exceeds maximum %d", ErrInvalidFilter, filter.Limit, maxLimit)
	}
	if filter.Start != nil && filter.End != nil && filter.Start.After(*filter.End) {
		return fmt.Errorf("%w: start %s is after end %s", ErrInvalidFilter, formatTimestamp(*filter.Start), formatTimestamp(*filter.End))
	}
	return nil
}

// filterEvents walks events from newest append to oldest and sorts the
// matches by timestamp, descending, keeping append order for ties.
func filterEvents(events []AuditEvent, filter Filter) []AuditEvent {
	action := strings.ToLower(filter.Action)
	resourceType := strings.ToLower(filter.ResourceType)

	matched := make([]AuditEvent, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		event := events[i]
		if filter.ActorID != "" && event.ActorID != filter.ActorID {
			continue
		}
		if action != "" && !strings.Contains(strings.ToLower(event.Action), action) {
			continue
		}
		if resourceType != "" && !strings.Contains(strings.ToLower(event.ResourceType), resourceType) {
			continue
		}
		if filter.ResourceID != "" && event.ResourceID != filter.ResourceID {
			continue
		}
		if filter.SessionID != "" && event.SessionID != filter.SessionID {
			continue
		}
		if filter.Start != nil && event.Timestamp.Before(*filter.Start) {
			continue
		}
		if filter.End != nil && event.Timestamp.After(*filter.End) {
			continue
		}
		matched = append(matched, event)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	return matched
}
