package audit

import (
	"context"
	"crypto/subtle"
	"fmt"
	"slices"
)

// Verify checks the current window. It never modifies the ledger.
func (l *Ledger) Verify(ctx context.Context) (VerifyResult, error) {
	if err := contextErr(ctx); err != nil {
		return VerifyResult{}, fmt.Errorf("verify audit chain: %w", err)
	}
	result := VerifyEvents(l.window())
	l.metrics.verified(result)
	if result.Tampered {
		l.logger.Warn("audit chain verification found unexplained violations",
			"violations", len(result.Violations),
			"first_event_id", result.FirstViolation.EventID,
		)
	}
	return result, nil
}

// VerifyEvents walks events in order, recomputing every digest and checking
// every link. Once a violation is seen, each later event is reported as a
// chain break since its ancestry can no longer be anchored. The head's link
// is never checked: after eviction it points at an event that is gone.
func VerifyEvents(events []AuditEvent) VerifyResult {
	result := VerifyResult{
		Valid:          true,
		EventCount:     len(events),
		VerifiedPrefix: len(events),
		Violations:     []Violation{},
		Anonymizations: []Anonymization{},
	}
	if len(events) == 0 {
		return result
	}
	result.ChainTip = events[len(events)-1].Digest
	result.Truncated = events[0].PreviousDigest != ""

	hashOK := make([]bool, len(events))
	hashErr := make([]error, len(events))
	for i, event := range events {
		expected, err := Digest(event)
		hashErr[i] = err
		hashOK[i] = err == nil && digestsEqual(expected, event.Digest)
	}
	linkOK := func(i int) bool {
		return i == 0 || digestsEqual(events[i].PreviousDigest, events[i-1].Digest)
	}

	result.Anonymizations = documentedErasures(events, hashOK, linkOK)
	explained := explainedEvents(events, result.Anonymizations)

	violated := false
	unexplained := false
	for i, event := range events {
		seenBefore, unexplainedBefore := violated, unexplained

		if !hashOK[i] {
			cause := CauseUnexplained
			if explained[i] {
				cause = CauseAnonymization
			}
			message := "recomputed digest does not match stored digest"
			if hashErr[i] != nil {
				message = fmt.Sprintf("digest could not be recomputed: %v", hashErr[i])
			}
			result.Violations = append(result.Violations, Violation{
				Index:   i,
				EventID: event.ID,
				Kind:    ViolationHashMismatch,
				Cause:   cause,
				Message: message,
			})
			violated = true
			unexplained = unexplained || cause == CauseUnexplained
		}

		if i == 0 {
			continue
		}
		switch {
		case !linkOK(i):
			result.Violations = append(result.Violations, Violation{
				Index:   i,
				EventID: event.ID,
				Kind:    ViolationChainBreak,
				Cause:   CauseUnexplained,
				Message: "previous digest does not match the preceding event",
			})
			violated = true
			unexplained = true
		case seenBefore:
			cause := CauseAnonymization
			if unexplainedBefore {
				cause = CauseUnexplained
			}
			result.Violations = append(result.Violations, Violation{
				Index:   i,
				EventID: event.ID,
				Kind:    ViolationChainBreak,
				Cause:   cause,
				Message: "chained after an earlier violation",
			})
			unexplained = unexplained || cause == CauseUnexplained
		}
	}

	if len(result.Violations) > 0 {
		result.Valid = false
		first := result.Violations[0]
		result.FirstViolation = &first
		result.VerifiedPrefix = first.Index
	}
	result.Tampered = unexplained
	return result
}

// documentedErasures returns the properly chained audit.anonymize events in
// append order. An erasure whose own digest no longer verifies still counts
// when a later counted erasure lists it, which happens when the requester of
// an earlier erasure is erased in turn. Walking newest first settles that in
// one pass since an erasure can only list events recorded before it.
func documentedErasures(events []AuditEvent, hashOK []bool, linkOK func(int) bool) []Anonymization {
	listed := map[string]struct{}{}
	var found []Anonymization
	for i := len(events) - 1; i >= 0; i-- {
		event := events[i]
		if event.Action != ActionAuditAnonymize || !linkOK(i) {
			continue
		}
		if _, ok := listed[event.ID]; !hashOK[i] && !ok {
			continue
		}
		ids, reason := erasureDetails(event.Details)
		for _, id := range ids {
			listed[id] = struct{}{}
		}
		found = append(found, Anonymization{
			Index:     i,
			EventID:   event.ID,
			Timestamp: event.Timestamp,
			EventIDs:  ids,
			Reason:    reason,
		})
	}
	slices.Reverse(found)
	if found == nil {
		found = []Anonymization{}
	}
	return found
}

// explainedEvents marks events listed by a later, properly chained erasure.
func explainedEvents(events []AuditEvent, erasures []Anonymization) []bool {
	explained := make([]bool, len(events))
	if len(erasures) == 0 {
		return explained
	}
	position := make(map[string]int, len(events))
	for i, event := range events {
		position[event.ID] = i
	}
	for _, erasure := range erasures {
		for _, id := range erasure.EventIDs {
			if i, ok := position[id]; ok && i < erasure.Index {
				explained[i] = true
			}
		}
	}
	return explained
}

func erasureDetails(details map[string]any) ([]string, string) {
	var ids []string
	switch raw := details[anonymizeDetailEventIDs].(type) {
	case []any:
		for _, value := range raw {
			if id, ok := value.(string); ok {
				ids = append(ids, id)
			}
		}
	case []string:
		ids = append(ids, raw...)
	}
	reason, _ := details[anonymizeDetailReason].(string)
	return ids, reason
}

func digestsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
