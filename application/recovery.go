package application

import (
	"pollsync/ports"
)

// replayIntent reissues one surviving recovery intent. A replayed vote
// becomes generation 1 of its poll, since nothing else has been accepted
// for it yet, and reuses the existing log entry instead of appending one.
func (m *Manager) replayIntent(intent ports.RecoveryIntent) {
	if m.draining {
		// the intent stays in the log for the next start
		return
	}
	switch intent.Kind {
	case ports.RecoveryIntentVote:
		state := m.getPollState(intent.PollID)
		if state == nil || state.poll.IsClosed {
			m.dropIntent(intent, "poll missing or closed")
			return
		}
		m.submitAnswer(intent.PollID, state, intent.Message, intent.OptionData, intent.ID, nil)
	case ports.RecoveryIntentClose:
		state := m.getPollState(intent.PollID)
		if state == nil {
			m.dropIntent(intent, "poll missing")
			return
		}
		if state.pendingStop != nil {
			m.dropIntent(intent, "stop already in flight")
			return
		}
		m.closeLocally(intent.PollID, state)
		state.pendingStop = &pendingStop{intentID: intent.ID}
		m.issueStop(intent.PollID, intent.Message)
	default:
		m.dropIntent(intent, "unknown intent kind")
	}
}

func (m *Manager) dropIntent(intent ports.RecoveryIntent, reason string) {
	m.logger.Warn("recovery intent dropped",
		"event", "poll_recovery_intent_dropped",
		"intent_id", intent.ID,
		"kind", string(intent.Kind),
		"poll_id", intent.PollID,
		"reason", reason,
	)
	if err := m.log.Remove(m.runCtx, intent.ID); err != nil {
		m.logger.Warn("recovery intent remove failed",
			"event", "poll_recovery_intent_remove_failed",
			"intent_id", intent.ID,
			"error", err.Error(),
		)
	}
}
