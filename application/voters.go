package application

import (
	"pollsync/domain/entities"
	domainerrors "pollsync/domain/errors"
	"pollsync/ports"
)

// optionVoters caches the voter list of one (poll, option) pair. Pages
// already fetched live in voterIDs; nextOffset is the opaque continuation
// cursor of the next uncached page. At most one fetch per entry is in
// flight: concurrent callers wait in pending and are resolved together.
// invalidated marks the entry untrustworthy after any vote-count change.
type optionVoters struct {
	voterIDs    []int64
	nextOffset  string
	pending     []VotersPromise
	loadedAll   bool
	invalidated bool
}

func (s *pollState) votersFor(optionIndex int) *optionVoters {
	for len(s.voters) <= optionIndex {
		s.voters = append(s.voters, nil)
	}
	if s.voters[optionIndex] == nil {
		s.voters[optionIndex] = &optionVoters{}
	}
	return s.voters[optionIndex]
}

// invalidateVoters marks every populated entry of the poll stale. In-flight
// fetches are allowed to finish but their results are served once to their
// original waiters only; the cache itself starts over.
func (m *Manager) invalidateVoters(state *pollState) {
	for _, entry := range state.voters {
		if entry == nil {
			continue
		}
		if len(entry.voterIDs) > 0 || len(entry.pending) > 0 || entry.nextOffset != "" || entry.loadedAll {
			entry.invalidated = true
		}
	}
}

// GetVoters lists the voters of one poll option, serving completed pages
// from cache and fetching at most one uncached page from the server. The
// page size is capped at the server-side limit regardless of the request.
func (m *Manager) GetVoters(pollID int64, ref entities.MessageRef, optionIndex int, offset int, limit int, promise VotersPromise) {
	if promise == nil {
		promise = func(int, []int64, error) {}
	}
	if !m.enqueue(func() { m.getVoters(pollID, ref, optionIndex, offset, limit, promise) }) {
		promise(0, nil, domainerrors.ErrShuttingDown)
	}
}

func (m *Manager) getVoters(pollID int64, ref entities.MessageRef, optionIndex int, offset int, limit int, promise VotersPromise) {
	if m.draining {
		promise(0, nil, domainerrors.ErrShuttingDown)
		return
	}
	state := m.getPollState(pollID)
	if state == nil {
		promise(0, nil, domainerrors.ErrPollNotFound)
		return
	}
	if limit <= 0 {
		promise(0, nil, domainerrors.ErrInvalidLimit)
		return
	}
	if offset < 0 {
		promise(0, nil, domainerrors.ErrInvalidOffset)
		return
	}
	if limit > m.opts.VotersPageLimit {
		limit = m.opts.VotersPageLimit
	}
	poll := state.poll
	if optionIndex < 0 || optionIndex >= len(poll.Options) {
		promise(0, nil, domainerrors.ErrOptionOutOfRange)
		return
	}
	if poll.IsAnonymous {
		promise(0, nil, domainerrors.ErrPollAnonymous)
		return
	}
	option := poll.Options[optionIndex]
	if option.VoterCount == 0 || entities.IsLocalPollID(pollID) {
		promise(0, nil, nil)
		return
	}

	entry := state.votersFor(optionIndex)
	if entry.invalidated && len(entry.pending) == 0 {
		*entry = optionVoters{}
	}

	if offset < len(entry.voterIDs) {
		end := offset + limit
		if end > len(entry.voterIDs) {
			end = len(entry.voterIDs)
		}
		page := append([]int64(nil), entry.voterIDs[offset:end]...)
		promise(voterTotal(option.VoterCount, len(entry.voterIDs)), page, nil)
		return
	}
	if entry.loadedAll {
		promise(voterTotal(option.VoterCount, len(entry.voterIDs)), nil, nil)
		return
	}

	entry.pending = append(entry.pending, promise)
	if len(entry.pending) > 1 {
		// coalesced into the fetch already in flight
		return
	}
	cursor := entry.nextOffset
	pageLimit := m.opts.VotersPageLimit
	go func() {
		page, err := m.remote.ListVoters(m.runCtx, pollID, ref, option.Data, cursor, pageLimit)
		m.enqueue(func() { m.onVotersPage(pollID, optionIndex, page, err) })
	}()
}

func voterTotal(voterCount, cached int) int {
	if cached > voterCount {
		return cached
	}
	return voterCount
}

func (m *Manager) onVotersPage(pollID int64, optionIndex int, page ports.VotersPage, remoteErr error) {
	state, ok := m.polls[pollID]
	if !ok || optionIndex >= len(state.voters) || state.voters[optionIndex] == nil {
		return
	}
	entry := state.voters[optionIndex]
	waiters := entry.pending
	entry.pending = nil
	if remoteErr != nil {
		m.logger.Warn("voter page fetch failed",
			"event", "poll_voters_fetch_failed",
			"poll_id", pollID,
			"option_index", optionIndex,
			"error", remoteErr.Error(),
		)
		for _, waiter := range waiters {
			waiter(0, nil, remoteErr)
		}
		return
	}
	if entry.invalidated {
		// counts changed while the fetch was in flight: hand the page to its
		// original waiters but do not let it extend the reset cache
		*entry = optionVoters{}
		for _, waiter := range waiters {
			waiter(page.TotalCount, append([]int64(nil), page.VoterIDs...), nil)
		}
		return
	}
	entry.voterIDs = append(entry.voterIDs, page.VoterIDs...)
	entry.nextOffset = page.NextOffset
	if page.NextOffset == "" {
		entry.loadedAll = true
	}
	total := page.TotalCount
	if len(entry.voterIDs) > total {
		total = len(entry.voterIDs)
	}
	for _, waiter := range waiters {
		waiter(total, append([]int64(nil), page.VoterIDs...), nil)
	}
}
