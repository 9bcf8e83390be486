package application

import (
	"pollsync/domain/entities"
	domainerrors "pollsync/domain/errors"
	"pollsync/ports"
)

// pendingAnswer is the single in-flight optimistic vote submission of one
// poll. Generations are strictly increasing per poll and never reused; a
// response carrying a stale generation is discarded on re-entry, which is
// the only cancellation the transport allows.
type pendingAnswer struct {
	optionData []string
	promises   []Promise
	generation uint64
	intentID   string
}

type pendingStop struct {
	promises []Promise
	intentID string
}

// SetAnswer submits the local user's vote. The optimistic mutation (chosen
// flags and counts) is applied immediately; the promise resolves once the
// submission this request ends up part of is acknowledged or fails. An
// empty option list retracts the vote.
func (m *Manager) SetAnswer(pollID int64, ref entities.MessageRef, optionIndexes []int, promise Promise) {
	if promise == nil {
		promise = func(error) {}
	}
	if !m.enqueue(func() { m.setAnswer(pollID, ref, optionIndexes, promise) }) {
		promise(domainerrors.ErrShuttingDown)
	}
}

func (m *Manager) setAnswer(pollID int64, ref entities.MessageRef, optionIndexes []int, promise Promise) {
	if m.draining {
		promise(domainerrors.ErrShuttingDown)
		return
	}
	state := m.getPollState(pollID)
	if state == nil {
		promise(domainerrors.ErrPollNotFound)
		return
	}
	if entities.IsLocalPollID(pollID) {
		promise(domainerrors.ErrServerPollExpected)
		return
	}
	poll := state.poll
	if poll.IsClosed {
		promise(domainerrors.ErrPollClosed)
		return
	}
	if len(optionIndexes) == 0 && poll.IsQuiz {
		promise(domainerrors.ErrQuizAnswerRequired)
		return
	}
	seen := make(map[int]struct{}, len(optionIndexes))
	optionData := make([]string, 0, len(optionIndexes))
	for _, index := range optionIndexes {
		if index < 0 || index >= len(poll.Options) {
			promise(domainerrors.ErrOptionOutOfRange)
			return
		}
		if _, dup := seen[index]; dup {
			continue
		}
		seen[index] = struct{}{}
		optionData = append(optionData, poll.Options[index].Data)
	}
	// multiplicity is judged after deduplication: [0,0] is one answer
	if len(optionData) > 1 && !poll.AllowMultipleAnswers {
		promise(domainerrors.ErrTooManyAnswers)
		return
	}
	m.submitAnswer(pollID, state, ref, optionData, "", []Promise{promise})
}

// submitAnswer runs the Submitting(g) transition: write the recovery
// intent, supersede any outstanding submission (carrying its waiters
// forward), apply the optimistic mutation and issue the remote call.
// intentID is non-empty only during recovery replay, when the log entry
// already exists.
func (m *Manager) submitAnswer(pollID int64, state *pollState, ref entities.MessageRef, optionData []string, intentID string, promises []Promise) {
	if intentID == "" {
		id, err := m.ids.NewID(m.runCtx)
		if err != nil {
			resolveAll(promises, err)
			return
		}
		intentID = id
		appendErr := m.log.Append(m.runCtx, ports.RecoveryIntent{
			ID:         intentID,
			Kind:       ports.RecoveryIntentVote,
			PollID:     pollID,
			Message:    ref,
			OptionData: optionData,
		})
		if appendErr != nil {
			m.logger.Error("vote intent append failed",
				"event", "poll_vote_intent_append_failed",
				"poll_id", pollID,
				"error", appendErr.Error(),
			)
			resolveAll(promises, appendErr)
			return
		}
	}

	if previous := state.pendingAnswer; previous != nil {
		// superseded: the outstanding call keeps running and its response is
		// dropped as stale; all of its waiters ride along with this one
		promises = append(previous.promises, promises...)
		if previous.intentID != "" && previous.intentID != intentID {
			if err := m.log.Remove(m.runCtx, previous.intentID); err != nil {
				m.logger.Warn("stale vote intent remove failed",
					"event", "poll_vote_intent_remove_failed",
					"poll_id", pollID,
					"error", err.Error(),
				)
			}
		}
	}

	state.lastGen++
	generation := state.lastGen
	state.pendingAnswer = &pendingAnswer{
		optionData: optionData,
		promises:   promises,
		generation: generation,
		intentID:   intentID,
	}
	m.applyChosen(pollID, state, optionData)
	m.logger.Debug("vote submission issued",
		"event", "poll_vote_submitted",
		"poll_id", pollID,
		"generation", generation,
		"options", len(optionData),
	)

	go func() {
		server, err := m.remote.SubmitVote(m.runCtx, pollID, ref, optionData)
		m.enqueue(func() { m.onAnswerResult(pollID, generation, server, err) })
	}()
}

// applyChosen applies the optimistic local mutation so the UI reflects the
// intent without waiting for the network: chosen flags, per-option counts
// and the total voter count.
func (m *Manager) applyChosen(pollID int64, state *pollState, optionData []string) {
	want := make(map[string]struct{}, len(optionData))
	for _, data := range optionData {
		want[data] = struct{}{}
	}
	hadAny := false
	hasAny := len(optionData) > 0
	for i := range state.poll.Options {
		option := &state.poll.Options[i]
		if option.IsChosen {
			hadAny = true
		}
		_, chosen := want[option.Data]
		switch {
		case option.IsChosen && !chosen:
			option.VoterCount--
			if option.VoterCount < 0 {
				option.VoterCount = 0
			}
		case !option.IsChosen && chosen:
			option.VoterCount++
		}
		option.IsChosen = chosen
	}
	if hasAny && !hadAny {
		state.poll.TotalVoterCount++
	}
	if !hasAny && hadAny {
		state.poll.TotalVoterCount--
		if state.poll.TotalVoterCount < 0 {
			state.poll.TotalVoterCount = 0
		}
	}
	m.invalidateVoters(state)
	m.maybeSave(pollID, state)
	m.notify(pollID, state)
}

func (m *Manager) onAnswerResult(pollID int64, generation uint64, server ports.ServerPoll, remoteErr error) {
	state, ok := m.polls[pollID]
	if !ok || state.pendingAnswer == nil || state.pendingAnswer.generation != generation {
		m.logger.Debug("stale vote acknowledgment discarded",
			"event", "poll_vote_ack_stale",
			"poll_id", pollID,
			"generation", generation,
		)
		return
	}
	pending := state.pendingAnswer
	state.pendingAnswer = nil
	if pending.intentID != "" {
		if err := m.log.Remove(m.runCtx, pending.intentID); err != nil {
			m.logger.Warn("vote intent remove failed",
				"event", "poll_vote_intent_remove_failed",
				"poll_id", pollID,
				"error", err.Error(),
			)
		}
	}
	if remoteErr != nil {
		// no rollback: the server stays source of truth and the next refresh
		// reconciles the optimistic state
		m.logger.Warn("vote submission failed",
			"event", "poll_vote_failed",
			"poll_id", pollID,
			"generation", generation,
			"error", remoteErr.Error(),
		)
		resolveAll(pending.promises, remoteErr)
		return
	}
	if server.PollID != 0 {
		if _, err := m.ingest(server); err != nil {
			m.logger.Warn("vote acknowledgment snapshot rejected",
				"event", "poll_vote_ack_rejected",
				"poll_id", pollID,
				"error", err.Error(),
			)
		}
	}
	resolveAll(pending.promises, nil)
}

// StopPoll closes a poll. The close is applied locally at once; any
// in-flight answer submission collapses, its waiters failing with
// ErrPollClosed. Concurrent stops share one in-flight remote call.
func (m *Manager) StopPoll(pollID int64, ref entities.MessageRef, promise Promise) {
	if promise == nil {
		promise = func(error) {}
	}
	if !m.enqueue(func() { m.stopPoll(pollID, ref, promise) }) {
		promise(domainerrors.ErrShuttingDown)
	}
}

func (m *Manager) stopPoll(pollID int64, ref entities.MessageRef, promise Promise) {
	if m.draining {
		promise(domainerrors.ErrShuttingDown)
		return
	}
	state := m.getPollState(pollID)
	if state == nil {
		promise(domainerrors.ErrPollNotFound)
		return
	}
	if entities.IsLocalPollID(pollID) {
		m.closeLocally(pollID, state)
		promise(nil)
		return
	}
	if state.pendingStop != nil {
		state.pendingStop.promises = append(state.pendingStop.promises, promise)
		return
	}
	if state.poll.IsClosed {
		promise(nil)
		return
	}

	if pending := state.pendingAnswer; pending != nil {
		state.pendingAnswer = nil
		if pending.intentID != "" {
			_ = m.log.Remove(m.runCtx, pending.intentID)
		}
		resolveAll(pending.promises, domainerrors.ErrPollClosed)
	}

	intentID, err := m.ids.NewID(m.runCtx)
	if err != nil {
		promise(err)
		return
	}
	if err := m.log.Append(m.runCtx, ports.RecoveryIntent{
		ID:      intentID,
		Kind:    ports.RecoveryIntentClose,
		PollID:  pollID,
		Message: ref,
	}); err != nil {
		m.logger.Error("close intent append failed",
			"event", "poll_close_intent_append_failed",
			"poll_id", pollID,
			"error", err.Error(),
		)
		promise(err)
		return
	}

	m.closeLocally(pollID, state)
	state.pendingStop = &pendingStop{promises: []Promise{promise}, intentID: intentID}
	m.issueStop(pollID, ref)
}

func (m *Manager) closeLocally(pollID int64, state *pollState) {
	if state.poll.IsClosed {
		return
	}
	state.poll.IsClosed = true
	m.maybeSave(pollID, state)
	m.notify(pollID, state)
	m.armTimers(pollID, state)
	m.logger.Debug("poll closed locally",
		"event", "poll_closed_locally",
		"poll_id", pollID,
	)
}

func (m *Manager) issueStop(pollID int64, ref entities.MessageRef) {
	go func() {
		server, err := m.remote.StopPoll(m.runCtx, pollID, ref)
		m.enqueue(func() { m.onStopResult(pollID, server, err) })
	}()
}

func (m *Manager) onStopResult(pollID int64, server ports.ServerPoll, remoteErr error) {
	state, ok := m.polls[pollID]
	if !ok || state.pendingStop == nil {
		return
	}
	pending := state.pendingStop
	state.pendingStop = nil
	if pending.intentID != "" {
		if err := m.log.Remove(m.runCtx, pending.intentID); err != nil {
			m.logger.Warn("close intent remove failed",
				"event", "poll_close_intent_remove_failed",
				"poll_id", pollID,
				"error", err.Error(),
			)
		}
	}
	if remoteErr != nil {
		// the poll stays closed locally; the next refresh reconciles
		m.logger.Warn("poll close failed",
			"event", "poll_close_failed",
			"poll_id", pollID,
			"error", remoteErr.Error(),
		)
		resolveAll(pending.promises, remoteErr)
		return
	}
	if server.PollID != 0 {
		if _, err := m.ingest(server); err != nil {
			m.logger.Warn("close acknowledgment snapshot rejected",
				"event", "poll_close_ack_rejected",
				"poll_id", pollID,
				"error", err.Error(),
			)
		}
	}
	resolveAll(pending.promises, nil)
}

// StopLocalPoll closes a local, never-sent poll without touching the
// network or the recovery log.
func (m *Manager) StopLocalPoll(pollID int64) error {
	var opErr error
	err := m.call(func() {
		state, ok := m.polls[pollID]
		if !ok {
			opErr = domainerrors.ErrPollNotFound
			return
		}
		if !entities.IsLocalPollID(pollID) {
			opErr = domainerrors.ErrLocalPollOnly
			return
		}
		m.closeLocally(pollID, state)
	})
	if err != nil {
		return err
	}
	return opErr
}
