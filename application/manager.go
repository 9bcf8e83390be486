package application

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"pollsync/domain/entities"
	domainerrors "pollsync/domain/errors"
	"pollsync/ports"
)

const (
	// DefaultVotersPageLimit is the server-side page cap for voter lists.
	DefaultVotersPageLimit = 50
	// DefaultEvictionDelay keeps an unregistered poll in memory long enough
	// to absorb rapid re-render churn.
	DefaultEvictionDelay = 600 * time.Second
	// DefaultRefreshInterval re-fetches authoritative state of open polls.
	DefaultRefreshInterval = 60 * time.Second

	maxRecentVoters = 10
	minPollOptions  = 2
	maxPollOptions  = 10

	mailboxDepth = 128
)

// Promise resolves a mutation issued through the manager. It is invoked
// exactly once, from the manager's own sequence.
type Promise func(err error)

// VotersPromise resolves one voter-list page request with the option's total
// voter count and the page of voter identifiers.
type VotersPromise func(totalCount int, voterIDs []int64, err error)

// Options are the manager tunables. Zero values take the defaults above.
type Options struct {
	RefreshInterval time.Duration
	EvictionDelay   time.Duration
	VotersPageLimit int
}

// Deps wires the manager to its collaborators.
type Deps struct {
	Storage  ports.PollStorage
	Log      ports.RecoveryLog
	Remote   ports.RemoteGateway
	Clock    ports.Clock
	IDGen    ports.IDGenerator
	Listener ports.UpdateListener
	Logger   *slog.Logger
	Options  Options
}

type pollState struct {
	poll          entities.Poll
	canonicalRefs map[entities.MessageRef]struct{}
	otherRefs     map[entities.MessageRef]struct{}
	voters        []*optionVoters
	pendingAnswer *pendingAnswer
	pendingStop   *pendingStop
	lastGen       uint64
}

func newPollState(poll entities.Poll) *pollState {
	return &pollState{
		poll:          poll,
		canonicalRefs: make(map[entities.MessageRef]struct{}),
		otherRefs:     make(map[entities.MessageRef]struct{}),
	}
}

func (s *pollState) registered() bool {
	return len(s.canonicalRefs) > 0 || len(s.otherRefs) > 0
}

// Manager is the poll state orchestrator. Every operation runs on a single
// mailbox sequence: public methods enqueue closures, remote responses and
// timer fires re-enter as ordinary mailbox messages, so store, answer
// coordinator and voter cache state are never mutated in parallel.
type Manager struct {
	storage  ports.PollStorage
	log      ports.RecoveryLog
	remote   ports.RemoteGateway
	clock    ports.Clock
	ids      ports.IDGenerator
	listener ports.UpdateListener
	logger   *slog.Logger
	opts     Options

	ops       chan func()
	stopped   chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// enqMu serializes the stopped check against Close, so every accepted
	// send is in the mailbox before shutdown begins and the drain misses
	// nothing.
	enqMu sync.Mutex

	// draining is set by the run goroutine once shutdown began and is only
	// read from mailbox closures, so it needs no lock.
	draining bool

	runCtx context.Context
	cancel context.CancelFunc

	polls       map[int64]*pollState
	hydrated    map[int64]struct{}
	nextLocalID int64
	online      bool

	refreshWheel *timerWheel
	closeWheel   *timerWheel
	evictWheel   *timerWheel
}

func NewManager(deps Deps) *Manager {
	opts := deps.Options
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.EvictionDelay <= 0 {
		opts.EvictionDelay = DefaultEvictionDelay
	}
	if opts.VotersPageLimit <= 0 || opts.VotersPageLimit > DefaultVotersPageLimit {
		opts.VotersPageLimit = DefaultVotersPageLimit
	}
	m := &Manager{
		storage:  deps.Storage,
		log:      deps.Log,
		remote:   deps.Remote,
		clock:    deps.Clock,
		ids:      deps.IDGen,
		listener: deps.Listener,
		logger:   ResolveLogger(deps.Logger).With("module", "pollsync"),
		opts:     opts,
		ops:      make(chan func(), mailboxDepth),
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
		polls:    make(map[int64]*pollState),
		hydrated: make(map[int64]struct{}),
		online:   true,
	}
	m.refreshWheel = newTimerWheel("refresh", func(pollID int64) {
		m.enqueue(func() { m.onRefreshDue(pollID) })
	})
	m.closeWheel = newTimerWheel("close", func(pollID int64) {
		m.enqueue(func() { m.onCloseDue(pollID) })
	})
	m.evictWheel = newTimerWheel("evict", func(pollID int64) {
		m.enqueue(func() { m.onEvictDue(pollID) })
	})
	return m
}

// Start replays surviving recovery intents and begins processing the
// mailbox. Replayed submissions are enqueued ahead of every caller
// operation, so no other operation is accepted for a poll before its
// interrupted mutation has been reissued.
func (m *Manager) Start(ctx context.Context) error {
	intents, err := m.log.Replay(ctx)
	if err != nil {
		return err
	}
	m.runCtx, m.cancel = context.WithCancel(context.Background())
	go m.run()
	for _, intent := range intents {
		intent := intent
		m.enqueue(func() { m.replayIntent(intent) })
	}
	if len(intents) > 0 {
		m.logger.Info("recovery intents replayed",
			"event", "poll_recovery_replayed",
			"count", len(intents),
		)
	}
	return nil
}

// Close shuts the manager down. Pending promises fail fast with
// ErrShuttingDown and in-flight remote calls are abandoned.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.enqMu.Lock()
		close(m.stopped)
		m.enqMu.Unlock()
		if m.cancel != nil {
			m.cancel()
		}
		m.refreshWheel.Stop()
		m.closeWheel.Stop()
		m.evictWheel.Stop()
	})
	<-m.done
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case op := <-m.ops:
			op()
		case <-m.stopped:
			m.drain()
			return
		}
	}
}

// drain empties the mailbox once shutdown began. Mutation handlers observe
// the draining flag and resolve their promises with ErrShuttingDown instead
// of doing work; promises already parked in poll state fail afterwards.
// Without the drain, closures still queued at shutdown would be dropped and
// their callers would hang forever.
func (m *Manager) drain() {
	m.draining = true
	for {
		select {
		case op := <-m.ops:
			op()
		default:
			m.failPending()
			return
		}
	}
}

func (m *Manager) enqueue(op func()) bool {
	m.enqMu.Lock()
	defer m.enqMu.Unlock()
	select {
	case <-m.stopped:
		return false
	default:
	}
	m.ops <- op
	return true
}

// call runs op on the sequence and waits for it.
func (m *Manager) call(op func()) error {
	ran := make(chan struct{})
	if !m.enqueue(func() {
		op()
		close(ran)
	}) {
		return domainerrors.ErrShuttingDown
	}
	select {
	case <-ran:
		return nil
	case <-m.done:
		select {
		case <-ran:
			return nil
		default:
			return domainerrors.ErrShuttingDown
		}
	}
}

func (m *Manager) failPending() {
	for _, state := range m.polls {
		if pending := state.pendingAnswer; pending != nil {
			state.pendingAnswer = nil
			resolveAll(pending.promises, domainerrors.ErrShuttingDown)
		}
		if pending := state.pendingStop; pending != nil {
			state.pendingStop = nil
			resolveAll(pending.promises, domainerrors.ErrShuttingDown)
		}
		for _, entry := range state.voters {
			if entry == nil {
				continue
			}
			waiters := entry.pending
			entry.pending = nil
			for _, waiter := range waiters {
				waiter(0, nil, domainerrors.ErrShuttingDown)
			}
		}
	}
}

func resolveAll(promises []Promise, err error) {
	for _, promise := range promises {
		promise(err)
	}
}

func (m *Manager) now() time.Time {
	if m.clock != nil {
		return m.clock.Now()
	}
	return time.Now()
}

// CreatePollInput describes a locally composed poll.
type CreatePollInput struct {
	Question             string
	Options              []string
	IsAnonymous          bool
	AllowMultipleAnswers bool
	IsQuiz               bool
	CorrectOptionIndex   int
	Explanation          entities.FormattedText
	OpenPeriod           int
	CloseDate            time.Time
	IsClosed             bool
}

func validateCreate(input CreatePollInput) error {
	if input.Question == "" {
		return domainerrors.ErrQuestionEmpty
	}
	if len(input.Options) < minPollOptions {
		return domainerrors.ErrTooFewOptions
	}
	if len(input.Options) > maxPollOptions {
		return domainerrors.ErrTooManyOptions
	}
	if input.OpenPeriod > 0 && !input.CloseDate.IsZero() {
		return domainerrors.ErrOpenPeriodConflict
	}
	if input.IsQuiz {
		if input.CorrectOptionIndex < 0 || input.CorrectOptionIndex >= len(input.Options) {
			return domainerrors.ErrInvalidCorrectOption
		}
		if input.AllowMultipleAnswers {
			return domainerrors.ErrTooManyAnswers
		}
	}
	return nil
}

// CreatePoll allocates a local identifier and stores an unsaved record. The
// record becomes durable only after the server acknowledges the poll and it
// is re-ingested under its server identifier.
func (m *Manager) CreatePoll(input CreatePollInput) (int64, error) {
	if err := validateCreate(input); err != nil {
		return 0, err
	}
	var pollID int64
	err := m.call(func() {
		m.nextLocalID--
		pollID = m.nextLocalID
		poll := entities.Poll{
			Question:             input.Question,
			Options:              make([]entities.PollOption, len(input.Options)),
			Explanation:          input.Explanation,
			CorrectOptionIndex:   -1,
			OpenPeriod:           input.OpenPeriod,
			CloseDate:            input.CloseDate,
			IsAnonymous:          input.IsAnonymous,
			AllowMultipleAnswers: input.AllowMultipleAnswers,
			IsQuiz:               input.IsQuiz,
			IsClosed:             input.IsClosed,
			Unsaved:              true,
		}
		if input.IsQuiz {
			poll.CorrectOptionIndex = input.CorrectOptionIndex
		}
		for i, text := range input.Options {
			poll.Options[i] = entities.PollOption{Text: text}
		}
		m.polls[pollID] = newPollState(poll)
		m.logger.Info("poll created",
			"event", "poll_created",
			"poll_id", pollID,
			"options", len(poll.Options),
			"is_quiz", poll.IsQuiz,
		)
	})
	if err != nil {
		return 0, err
	}
	return pollID, nil
}

// DupPoll creates a fresh local copy of a poll for forwarding: same texts
// and flags, zeroed counts and chosen flags, open.
func (m *Manager) DupPoll(pollID int64) (int64, error) {
	var dupID int64
	var opErr error
	err := m.call(func() {
		state := m.getPollState(pollID)
		if state == nil {
			opErr = domainerrors.ErrPollNotFound
			return
		}
		m.nextLocalID--
		dupID = m.nextLocalID
		poll := state.poll.Clone()
		poll.TotalVoterCount = 0
		poll.RecentVoterIDs = nil
		poll.IsClosed = false
		poll.IsUpdatedAfterClose = false
		poll.Unsaved = true
		// the absolute close time belongs to the source; the copy's deadline
		// is re-derived from OpenPeriod when it is sent
		poll.CloseDate = time.Time{}
		for i := range poll.Options {
			poll.Options[i].VoterCount = 0
			poll.Options[i].IsChosen = false
			poll.Options[i].Data = ""
		}
		m.polls[dupID] = newPollState(poll)
	})
	if err != nil {
		return 0, err
	}
	return dupID, opErr
}

// RegisterPoll associates a poll with a message that displays it.
// isCanonical marks the server's authoritative copy as opposed to a
// forwarded/local one.
func (m *Manager) RegisterPoll(pollID int64, ref entities.MessageRef, isCanonical bool) error {
	var opErr error
	err := m.call(func() {
		state := m.getPollState(pollID)
		if state == nil {
			opErr = domainerrors.ErrPollNotFound
			return
		}
		if isCanonical {
			state.canonicalRefs[ref] = struct{}{}
		} else {
			state.otherRefs[ref] = struct{}{}
		}
		m.evictWheel.Cancel(pollID)
		if isCanonical && !entities.IsLocalPollID(pollID) && state.poll.Unsaved {
			m.savePoll(pollID, state)
		}
		m.armTimers(pollID, state)
	})
	if err != nil {
		return err
	}
	return opErr
}

// UnregisterPoll drops a (poll, message) association. Removing the last
// reference from both sets arms the eviction timer instead of evicting
// immediately.
func (m *Manager) UnregisterPoll(pollID int64, ref entities.MessageRef, isCanonical bool) error {
	var opErr error
	err := m.call(func() {
		state, ok := m.polls[pollID]
		if !ok {
			opErr = domainerrors.ErrPollNotFound
			return
		}
		if isCanonical {
			delete(state.canonicalRefs, ref)
		} else {
			delete(state.otherRefs, ref)
		}
		if !state.registered() {
			m.evictWheel.Set(pollID, m.now().Add(m.opts.EvictionDelay))
			if len(state.canonicalRefs) == 0 {
				m.refreshWheel.Cancel(pollID)
			}
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// IsClosed reports whether the poll is closed.
func (m *Manager) IsClosed(pollID int64) (bool, error) {
	poll, err := m.GetPoll(pollID)
	if err != nil {
		return false, err
	}
	return poll.IsClosed, nil
}

// IsAnonymous reports whether the poll hides its voters.
func (m *Manager) IsAnonymous(pollID int64) (bool, error) {
	poll, err := m.GetPoll(pollID)
	if err != nil {
		return false, err
	}
	return poll.IsAnonymous, nil
}

// SearchText returns the poll text indexed for message search.
func (m *Manager) SearchText(pollID int64) (string, error) {
	poll, err := m.GetPoll(pollID)
	if err != nil {
		return "", err
	}
	return poll.SearchText(), nil
}

// GetPoll returns a snapshot of the poll record, hydrating it from durable
// storage on a memory miss.
func (m *Manager) GetPoll(pollID int64) (entities.Poll, error) {
	var poll entities.Poll
	var opErr error
	err := m.call(func() {
		state := m.getPollState(pollID)
		if state == nil {
			opErr = domainerrors.ErrPollNotFound
			return
		}
		poll = state.poll.Clone()
	})
	if err != nil {
		return entities.Poll{}, err
	}
	return poll, opErr
}

// getPollState looks a poll up in memory and falls back to a one-shot
// hydration read from durable storage. Runs on the sequence.
func (m *Manager) getPollState(pollID int64) *pollState {
	if state, ok := m.polls[pollID]; ok {
		return state
	}
	if entities.IsLocalPollID(pollID) {
		return nil
	}
	if _, tried := m.hydrated[pollID]; tried {
		return nil
	}
	m.hydrated[pollID] = struct{}{}
	value, err := m.storage.LoadPoll(m.runCtx, pollID)
	if err != nil {
		if !errors.Is(err, domainerrors.ErrPollNotFound) {
			m.logger.Warn("poll hydration failed",
				"event", "poll_hydration_failed",
				"poll_id", pollID,
				"error", err.Error(),
			)
		}
		return nil
	}
	poll, err := decodePoll(value)
	if err != nil {
		m.logger.Warn("stored poll record is corrupt",
			"event", "poll_record_corrupt",
			"poll_id", pollID,
			"error", err.Error(),
		)
		return nil
	}
	state := newPollState(poll)
	m.polls[pollID] = state
	m.armTimers(pollID, state)
	return state
}

// savePoll persists the record. Local polls are never durable.
func (m *Manager) savePoll(pollID int64, state *pollState) {
	if entities.IsLocalPollID(pollID) {
		return
	}
	record := state.poll
	record.Unsaved = false
	value, err := encodePoll(record)
	if err != nil {
		m.logger.Error("poll encode failed",
			"event", "poll_encode_failed",
			"poll_id", pollID,
			"error", err.Error(),
		)
		return
	}
	if err := m.storage.SavePoll(m.runCtx, pollID, value); err != nil {
		state.poll.Unsaved = true
		m.logger.Warn("poll save failed",
			"event", "poll_save_failed",
			"poll_id", pollID,
			"error", err.Error(),
		)
		return
	}
	state.poll.Unsaved = false
}

// maybeSave persists a committed change when the poll is durable: either it
// already has a saved copy or it is registered by a canonical message.
func (m *Manager) maybeSave(pollID int64, state *pollState) {
	if entities.IsLocalPollID(pollID) {
		return
	}
	if len(state.canonicalRefs) == 0 && state.poll.Unsaved {
		return
	}
	m.savePoll(pollID, state)
}

// notify emits the updated public representation when the poll is visible
// in at least one message.
func (m *Manager) notify(pollID int64, state *pollState) {
	if m.listener == nil || !state.registered() {
		return
	}
	m.listener.PollUpdated(pollID, state.poll.Clone())
}

// armTimers reconciles the refresh and auto-close queues with the poll's
// current state.
func (m *Manager) armTimers(pollID int64, state *pollState) {
	if state.poll.IsClosed || entities.IsLocalPollID(pollID) {
		m.refreshWheel.Cancel(pollID)
		m.closeWheel.Cancel(pollID)
		return
	}
	if m.online && len(state.canonicalRefs) > 0 {
		m.refreshWheel.Set(pollID, m.now().Add(m.opts.RefreshInterval))
	} else {
		m.refreshWheel.Cancel(pollID)
	}
	if !state.poll.CloseDate.IsZero() {
		m.closeWheel.Set(pollID, state.poll.CloseDate)
	} else {
		m.closeWheel.Cancel(pollID)
	}
}

// SetOnline toggles background refresh. Going online rearms the refresh
// queue for every open poll displayed by a canonical message.
func (m *Manager) SetOnline(online bool) {
	_ = m.call(func() {
		if m.online == online {
			return
		}
		m.online = online
		for pollID, state := range m.polls {
			m.armTimers(pollID, state)
		}
	})
}

// IngestServerPoll merges an authoritative snapshot into the store and
// returns the poll identifier it now lives under.
func (m *Manager) IngestServerPoll(server ports.ServerPoll) (int64, error) {
	var opErr error
	err := m.call(func() {
		_, opErr = m.ingest(server)
	})
	if err != nil {
		return 0, err
	}
	if opErr != nil {
		return 0, opErr
	}
	return server.PollID, nil
}

func pollFromServer(server ports.ServerPoll) entities.Poll {
	poll := entities.Poll{
		Question:             server.Question,
		Options:              make([]entities.PollOption, len(server.Options)),
		RecentVoterIDs:       append([]int64(nil), server.RecentVoterIDs...),
		Explanation:          server.Explanation,
		TotalVoterCount:      server.TotalVoterCount,
		CorrectOptionIndex:   server.CorrectOptionIndex,
		OpenPeriod:           server.OpenPeriod,
		CloseDate:            server.CloseDate,
		IsAnonymous:          server.IsAnonymous,
		AllowMultipleAnswers: server.AllowMultipleAnswers,
		IsQuiz:               server.IsQuiz,
		IsClosed:             server.IsClosed,
	}
	for i, option := range server.Options {
		poll.Options[i] = entities.PollOption{
			Text:       option.Text,
			Data:       option.Data,
			VoterCount: option.VoterCount,
			IsChosen:   option.IsChosen,
		}
	}
	if len(poll.RecentVoterIDs) > maxRecentVoters {
		poll.RecentVoterIDs = poll.RecentVoterIDs[:maxRecentVoters]
	}
	return poll
}

func countsChanged(previous, next entities.Poll) bool {
	if previous.TotalVoterCount != next.TotalVoterCount {
		return true
	}
	if len(previous.Options) != len(next.Options) {
		return true
	}
	for i := range previous.Options {
		if previous.Options[i].VoterCount != next.Options[i].VoterCount {
			return true
		}
	}
	return false
}

// ingest runs on the sequence. The server snapshot is authoritative for
// every field except the local user's chosen flags while an optimistic
// submission is still pending; those are preserved so a stale-looking push
// cannot revert an in-flight choice.
func (m *Manager) ingest(server ports.ServerPoll) (*pollState, error) {
	if server.PollID <= 0 {
		return nil, domainerrors.ErrServerPollExpected
	}
	pollID := server.PollID
	merged := pollFromServer(server)

	state := m.getPollState(pollID)
	if state == nil {
		merged.Unsaved = true
		state = newPollState(merged)
		m.polls[pollID] = state
		m.hydrated[pollID] = struct{}{}
		m.armTimers(pollID, state)
		m.logger.Debug("poll ingested",
			"event", "poll_ingested",
			"poll_id", pollID,
		)
		return state, nil
	}

	previous := state.poll
	if state.pendingAnswer != nil {
		chosen := make(map[string]struct{}, len(state.pendingAnswer.optionData))
		for _, data := range state.pendingAnswer.optionData {
			chosen[data] = struct{}{}
		}
		for i := range merged.Options {
			_, ok := chosen[merged.Options[i].Data]
			merged.Options[i].IsChosen = ok
		}
	}
	changedCounts := countsChanged(previous, merged)
	merged.IsUpdatedAfterClose = previous.IsUpdatedAfterClose && merged.IsClosed
	if previous.IsClosed && merged.IsClosed && changedCounts {
		merged.IsUpdatedAfterClose = true
	}
	merged.Unsaved = previous.Unsaved

	if reflect.DeepEqual(previous, merged) {
		m.armTimers(pollID, state)
		return state, nil
	}

	state.poll = merged
	if changedCounts {
		m.invalidateVoters(state)
	}
	m.maybeSave(pollID, state)
	m.notify(pollID, state)
	m.armTimers(pollID, state)
	m.logger.Debug("poll updated from server",
		"event", "poll_server_update_applied",
		"poll_id", pollID,
		"total_voters", merged.TotalVoterCount,
		"is_closed", merged.IsClosed,
	)
	return state, nil
}

// IngestVoteNotification applies a single remote vote event: the voter is
// prepended to the bounded recent-voter list and the affected option voter
// pages are invalidated. Counts stay untouched; the authoritative totals
// arrive with the next snapshot.
func (m *Manager) IngestVoteNotification(pollID int64, voterID int64, optionData []string) error {
	var opErr error
	err := m.call(func() {
		state := m.getPollState(pollID)
		if state == nil {
			opErr = domainerrors.ErrPollNotFound
			return
		}
		for _, data := range optionData {
			index := state.poll.OptionIndexByData(data)
			if index < 0 {
				opErr = domainerrors.ErrOptionOutOfRange
				return
			}
			if index < len(state.voters) && state.voters[index] != nil {
				state.voters[index].invalidated = true
			}
		}
		recent := make([]int64, 0, maxRecentVoters)
		recent = append(recent, voterID)
		for _, id := range state.poll.RecentVoterIDs {
			if id == voterID {
				continue
			}
			recent = append(recent, id)
			if len(recent) == maxRecentVoters {
				break
			}
		}
		state.poll.RecentVoterIDs = recent
		m.maybeSave(pollID, state)
		m.notify(pollID, state)
	})
	if err != nil {
		return err
	}
	return opErr
}

// onRefreshDue re-fetches authoritative state of an open poll that is still
// displayed by a canonical message.
func (m *Manager) onRefreshDue(pollID int64) {
	if m.draining {
		return
	}
	state, ok := m.polls[pollID]
	if !ok || state.poll.IsClosed || !m.online || len(state.canonicalRefs) == 0 {
		return
	}
	var ref entities.MessageRef
	for canonical := range state.canonicalRefs {
		ref = canonical
		break
	}
	go func() {
		server, err := m.remote.RefreshPoll(m.runCtx, pollID, ref)
		m.enqueue(func() { m.onRefreshResult(pollID, server, err) })
	}()
}

func (m *Manager) onRefreshResult(pollID int64, server ports.ServerPoll, err error) {
	state, ok := m.polls[pollID]
	if !ok {
		return
	}
	if err != nil {
		m.logger.Warn("poll refresh failed",
			"event", "poll_refresh_failed",
			"poll_id", pollID,
			"error", err.Error(),
		)
		m.armTimers(pollID, state)
		return
	}
	if _, err := m.ingest(server); err != nil {
		m.logger.Warn("poll refresh result rejected",
			"event", "poll_refresh_rejected",
			"poll_id", pollID,
			"error", err.Error(),
		)
	}
}

// onCloseDue marks the poll closed locally once its close date passes,
// without waiting for the authoritative push.
func (m *Manager) onCloseDue(pollID int64) {
	state, ok := m.polls[pollID]
	if !ok || state.poll.IsClosed {
		return
	}
	if state.poll.CloseDate.IsZero() {
		return
	}
	if state.poll.CloseDate.After(m.now()) {
		// rearmed with a later close date since the timer was set
		m.closeWheel.Set(pollID, state.poll.CloseDate)
		return
	}
	state.poll.IsClosed = true
	m.maybeSave(pollID, state)
	m.notify(pollID, state)
	m.armTimers(pollID, state)
	m.logger.Debug("poll auto-closed",
		"event", "poll_auto_closed",
		"poll_id", pollID,
	)
}

func (m *Manager) canEvict(state *pollState) bool {
	if state.pendingAnswer != nil || state.pendingStop != nil {
		return false
	}
	for _, entry := range state.voters {
		if entry != nil && len(entry.pending) > 0 {
			return false
		}
	}
	return true
}

// onEvictDue drops a poll from memory once it has stayed unregistered for
// the full eviction delay. The durable copy is untouched.
func (m *Manager) onEvictDue(pollID int64) {
	state, ok := m.polls[pollID]
	if !ok || state.registered() {
		return
	}
	if !m.canEvict(state) {
		m.evictWheel.Set(pollID, m.now().Add(m.opts.EvictionDelay))
		return
	}
	delete(m.polls, pollID)
	delete(m.hydrated, pollID)
	m.refreshWheel.Cancel(pollID)
	m.closeWheel.Cancel(pollID)
	m.logger.Debug("poll evicted from memory",
		"event", "poll_evicted",
		"poll_id", pollID,
	)
}
