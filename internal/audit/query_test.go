package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueryFiltersByActorActionResourceAndRange(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	ledger := mustNewLedger(t, nil, Options{Clock: steppingClock(base, time.Minute)})
	ctx := context.Background()

	seed := []Entry{
		{Action: ActionTicketCreate, ResourceType: "ticket", ResourceID: "T-1", ActorID: "agent-1", SessionID: "s-1"},
		{Action: ActionTicketAssign, ResourceType: "ticket", ResourceID: "T-1", ActorID: "agent-2", SessionID: "s-2"},
		{Action: ActionMediaUpload, ResourceType: "media_file", ResourceID: "M-1", ActorID: "agent-1", SessionID: "s-1"},
		{Action: ActionAuthSignIn, ResourceType: "session", SessionID: "s-3"},
	}
	for _, entry := range seed {
		_, err := ledger.Record(ctx, entry)
		require.NoError(t, err)
	}

	byActor, err := ledger.Query(ctx, Filter{ActorID: "agent-1"})
	require.NoError(t, err)
	require.Equal(t, []string{ActionMediaUpload, ActionTicketCreate}, actions(byActor))

	byAction, err := ledger.Query(ctx, Filter{Action: "TICKET"})
	require.NoError(t, err)
	require.Equal(t, []string{ActionTicketAssign, ActionTicketCreate}, actions(byAction))

	byResource, err := ledger.Query(ctx, Filter{ResourceType: "Media"})
	require.NoError(t, err)
	require.Equal(t, []string{ActionMediaUpload}, actions(byResource))

	byResourceID, err := ledger.Query(ctx, Filter{ResourceID: "T-1"})
	require.NoError(t, err)
	require.Len(t, byResourceID, 2)

	bySession, err := ledger.Query(ctx, Filter{SessionID: "s-3"})
	require.NoError(t, err)
	require.Equal(t, []string{ActionAuthSignIn}, actions(bySession))

	start := base.Add(time.Minute)
	end := base.Add(2 * time.Minute)
	byRange, err := ledger.Query(ctx, Filter{Start: &start, End: &end})
	require.NoError(t, err)
	require.Equal(t, []string{ActionMediaUpload, ActionTicketAssign}, actions(byRange))

	none, err := ledger.Query(ctx, Filter{ActorID: "nobody"})
	require.NoError(t, err)
	require.NotNil(t, none)
	require.Empty(t, none)
}

func TestQueryOrdersNewestFirstWithAppendOrderTies(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	ledger := mustNewLedger(t, nil, Options{Clock: func() time.Time { return fixed }})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		event, err := ledger.Record(ctx, Entry{Action: ActionTicketUpdate, ResourceType: "ticket", ResourceID: fmt.Sprintf("T-%d", i)})
		require.NoError(t, err)
		ids = append(ids, event.ID)
	}

	events, err := ledger.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Equal(t, []string{ids[3], ids[2], ids[1], ids[0]}, eventIDs(events))
}

func TestQueryPaginates(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	ledger := mustNewLedger(t, nil, Options{DefaultQueryLimit: 3, Clock: steppingClock(base, time.Second)})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 7; i++ {
		event, err := ledger.Record(ctx, Entry{Action: ActionTicketUpdate, ResourceType: "ticket"})
		require.NoError(t, err)
		ids = append([]string{event.ID}, ids...)
	}

	firstPage, err := ledger.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Equal(t, ids[:3], eventIDs(firstPage))

	secondPage, err := ledger.Query(ctx, Filter{Offset: 3, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, ids[3:5], eventIDs(secondPage))

	tail, err := ledger.Query(ctx, Filter{Offset: 5, Limit: 10})
	require.NoError(t, err)
	require.Equal(t, ids[5:], eventIDs(tail))

	beyond, err := ledger.Query(ctx, Filter{Offset: 50})
	require.NoError(t, err)
	require.Empty(t, beyond)
}

func TestQueryRejectsInvalidFilters(t *testing.T) {
	t.Parallel()

	ledger := mustNewLedger(t, nil, Options{MaxQueryLimit: 50})
	start := time.Date(2025, 2, 2, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)

	cases := map[string]Filter{
		"negative offset": {Offset: -1},
		"negative limit":  {Limit: -5},
		"limit above max": {Limit: 51},
		"start after end": {Start: &start, End: &end},
	}
	for name, filter := range cases {
		events, err := ledger.Query(context.Background(), filter)
		require.ErrorIsf(t, err, ErrInvalidFilter, name)
		require.Nilf(t, events, name)
	}
}

func TestQueryReturnsDeepCopies(t *testing.T) {
	t.Parallel()

	ledger := mustNewLedger(t, nil, Options{})
	ctx := context.Background()
	_, err := ledger.Record(ctx, Entry{
		Action:       ActionTicketCreate,
		ResourceType: "ticket",
		Details:      map[string]any{"watchers": []string{"a", "b"}},
	})
	require.NoError(t, err)

	first, err := ledger.Query(ctx, Filter{})
	require.NoError(t, err)
	first[0].Details["watchers"].([]any)[0] = "mutated"
	first[0].Action = "ticket.mutated"

	second, err := ledger.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Equal(t, ActionTicketCreate, second[0].Action)
	require.Equal(t, []any{"a", "b"}, second[0].Details["watchers"])
}

func TestQueryHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	ledger := mustNewLedger(t, nil, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ledger.Query(ctx, Filter{})
	require.ErrorIs(t, err, context.Canceled)
}

func steppingClock(start time.Time, step time.Duration) func() time.Time {
	var (
		mu  sync.Mutex
		now = start
	)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		reading := now
		now = now.Add(step)
		return reading
	}
}

func actions(events []AuditEvent) []string {
	out := make([]string, 0, len(events))
	for _, event := range events {
		out = append(out, event.Action)
	}
	return out
}
