package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pollsync/adapters/memory"
	domainerrors "pollsync/domain/errors"
	"pollsync/ports"
)

func TestSetAnswerOptimisticApply(t *testing.T) {
	env := newTestEnv(t, Options{})
	if _, err := env.manager.IngestServerPoll(serverSnapshot(101, 3, 1)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	ref := testRef(1, 10)

	done := make(chan error, 1)
	env.manager.SetAnswer(101, ref, []int{0}, func(err error) { done <- err })
	call := awaitVote(t, env.remote)
	if call.PollID != 101 {
		t.Fatalf("vote went to poll %d", call.PollID)
	}
	if len(call.Options) != 1 || call.Options[0] != optionData(0) {
		t.Fatalf("unexpected option payload %v", call.Options)
	}

	poll, err := env.manager.GetPoll(101)
	if err != nil {
		t.Fatalf("get poll: %v", err)
	}
	if !poll.Options[0].IsChosen {
		t.Fatalf("optimistic chosen flag not applied")
	}
	if poll.Options[0].VoterCount != 4 {
		t.Fatalf("optimistic voter count = %d, want 4", poll.Options[0].VoterCount)
	}
	if poll.TotalVoterCount != 5 {
		t.Fatalf("optimistic total = %d, want 5", poll.TotalVoterCount)
	}
	if got := len(env.store.Intents()); got != 1 {
		t.Fatalf("recovery intents = %d, want 1", got)
	}

	ack := serverSnapshot(101, 4, 1)
	ack.Options[0].IsChosen = true
	call.reply <- remoteReply{server: ack}
	if err := awaitErr(t, done); err != nil {
		t.Fatalf("vote promise: %v", err)
	}
	if got := len(env.store.Intents()); got != 0 {
		t.Fatalf("recovery intents after ack = %d, want 0", got)
	}
}

func TestSetAnswerValidation(t *testing.T) {
	env := newTestEnv(t, Options{})
	ref := testRef(1, 10)

	closed := serverSnapshot(102, 1, 1)
	closed.IsClosed = true
	if _, err := env.manager.IngestServerPoll(closed); err != nil {
		t.Fatalf("ingest closed: %v", err)
	}
	quiz := serverSnapshot(103, 2, 0)
	quiz.IsQuiz = true
	quiz.CorrectOptionIndex = 0
	if _, err := env.manager.IngestServerPoll(quiz); err != nil {
		t.Fatalf("ingest quiz: %v", err)
	}
	if _, err := env.manager.IngestServerPoll(serverSnapshot(104, 0, 0)); err != nil {
		t.Fatalf("ingest open: %v", err)
	}
	localID, err := env.manager.CreatePoll(CreatePollInput{Question: "q", Options: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cases := []struct {
		name    string
		pollID  int64
		indexes []int
		want    error
	}{
		{"unknown poll", 999, []int{0}, domainerrors.ErrPollNotFound},
		{"closed poll", 102, []int{0}, domainerrors.ErrPollClosed},
		{"quiz retract", 103, nil, domainerrors.ErrQuizAnswerRequired},
		{"multiple answers", 104, []int{0, 1}, domainerrors.ErrTooManyAnswers},
		{"index out of range", 104, []int{7}, domainerrors.ErrOptionOutOfRange},
		{"negative index", 104, []int{-1}, domainerrors.ErrOptionOutOfRange},
		{"local poll", localID, []int{0}, domainerrors.ErrServerPollExpected},
	}
	for _, tc := range cases {
		done := make(chan error, 1)
		env.manager.SetAnswer(tc.pollID, ref, tc.indexes, func(err error) { done <- err })
		if err := awaitErr(t, done); !errors.Is(err, tc.want) {
			t.Fatalf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}
}

// A resubmission supersedes the outstanding vote: the first acknowledgment
// is discarded as stale and every waiter resolves with the outcome of the
// last accepted request.
func TestResubmissionSupersedes(t *testing.T) {
	env := newTestEnv(t, Options{})
	if _, err := env.manager.IngestServerPoll(serverSnapshot(110, 3, 1)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	ref := testRef(2, 20)

	first := make(chan error, 1)
	env.manager.SetAnswer(110, ref, []int{0}, func(err error) { first <- err })
	call1 := awaitVote(t, env.remote)

	second := make(chan error, 1)
	env.manager.SetAnswer(110, ref, []int{1}, func(err error) { second <- err })
	call2 := awaitVote(t, env.remote)
	if len(call2.Options) != 1 || call2.Options[0] != optionData(1) {
		t.Fatalf("second submission payload %v", call2.Options)
	}

	staleAck := serverSnapshot(110, 4, 1)
	staleAck.Options[0].IsChosen = true
	call1.reply <- remoteReply{server: staleAck}
	time.Sleep(50 * time.Millisecond)
	noResolution(t, first)
	noResolution(t, second)

	poll, err := env.manager.GetPoll(110)
	if err != nil {
		t.Fatalf("get poll: %v", err)
	}
	if poll.Options[0].IsChosen || !poll.Options[1].IsChosen {
		t.Fatalf("stale ack disturbed chosen flags: %+v", poll.Options)
	}

	ack := serverSnapshot(110, 3, 2)
	ack.Options[1].IsChosen = true
	call2.reply <- remoteReply{server: ack}
	if err := awaitErr(t, first); err != nil {
		t.Fatalf("first promise: %v", err)
	}
	if err := awaitErr(t, second); err != nil {
		t.Fatalf("second promise: %v", err)
	}
	if got := len(env.store.Intents()); got != 0 {
		t.Fatalf("surviving intents = %d, want 0", got)
	}
}

func TestVoteRemoteErrorKeepsOptimisticState(t *testing.T) {
	env := newTestEnv(t, Options{})
	if _, err := env.manager.IngestServerPoll(serverSnapshot(120, 3, 1)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	ref := testRef(3, 30)

	done := make(chan error, 1)
	env.manager.SetAnswer(120, ref, []int{1}, func(err error) { done <- err })
	call := awaitVote(t, env.remote)

	remoteErr := errors.New("flood wait")
	call.reply <- remoteReply{err: remoteErr}
	if err := awaitErr(t, done); !errors.Is(err, remoteErr) {
		t.Fatalf("promise err = %v, want %v", err, remoteErr)
	}

	poll, err := env.manager.GetPoll(120)
	if err != nil {
		t.Fatalf("get poll: %v", err)
	}
	if !poll.Options[1].IsChosen {
		t.Fatalf("optimistic state rolled back on remote error")
	}
	if got := len(env.store.Intents()); got != 0 {
		t.Fatalf("surviving intents = %d, want 0", got)
	}
}

func TestStopPollCollapsesPendingAnswer(t *testing.T) {
	env := newTestEnv(t, Options{})
	if _, err := env.manager.IngestServerPoll(serverSnapshot(130, 2, 2)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	ref := testRef(4, 40)

	voteDone := make(chan error, 1)
	env.manager.SetAnswer(130, ref, []int{0}, func(err error) { voteDone <- err })
	pendingVote := awaitVote(t, env.remote)

	stopDone := make(chan error, 1)
	env.manager.StopPoll(130, ref, func(err error) { stopDone <- err })
	if err := awaitErr(t, voteDone); !errors.Is(err, domainerrors.ErrPollClosed) {
		t.Fatalf("collapsed vote err = %v, want %v", err, domainerrors.ErrPollClosed)
	}

	closed, err := env.manager.IsClosed(130)
	if err != nil || !closed {
		t.Fatalf("poll not closed locally: closed=%v err=%v", closed, err)
	}

	// second stop coalesces onto the in-flight call
	stopDone2 := make(chan error, 1)
	env.manager.StopPoll(130, ref, func(err error) { stopDone2 <- err })

	stop := awaitStop(t, env.remote)
	ack := serverSnapshot(130, 2, 2)
	ack.IsClosed = true
	stop.reply <- remoteReply{server: ack}
	if err := awaitErr(t, stopDone); err != nil {
		t.Fatalf("stop promise: %v", err)
	}
	if err := awaitErr(t, stopDone2); err != nil {
		t.Fatalf("coalesced stop promise: %v", err)
	}
	select {
	case <-env.remote.stops:
		t.Fatalf("coalesced stop issued a second remote call")
	default:
	}
	if got := len(env.store.Intents()); got != 0 {
		t.Fatalf("surviving intents = %d, want 0", got)
	}

	// stale vote acknowledgment arriving after the collapse is ignored
	pendingVote.reply <- remoteReply{err: errors.New("late")}
	time.Sleep(20 * time.Millisecond)
	noResolution(t, voteDone)
}

func TestStopLocalPoll(t *testing.T) {
	env := newTestEnv(t, Options{})
	localID, err := env.manager.CreatePoll(CreatePollInput{Question: "q", Options: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.manager.StopLocalPoll(localID); err != nil {
		t.Fatalf("stop local: %v", err)
	}
	closed, err := env.manager.IsClosed(localID)
	if err != nil || !closed {
		t.Fatalf("local poll not closed: closed=%v err=%v", closed, err)
	}

	if _, err := env.manager.IngestServerPoll(serverSnapshot(140, 0, 0)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := env.manager.StopLocalPoll(140); !errors.Is(err, domainerrors.ErrLocalPollOnly) {
		t.Fatalf("server poll err = %v, want %v", err, domainerrors.ErrLocalPollOnly)
	}

	// StopPoll on a local poll closes without touching the network
	local2, err := env.manager.CreatePoll(CreatePollInput{Question: "q", Options: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	done := make(chan error, 1)
	env.manager.StopPoll(local2, testRef(5, 50), func(err error) { done <- err })
	if err := awaitErr(t, done); err != nil {
		t.Fatalf("stop local via StopPoll: %v", err)
	}
	select {
	case <-env.remote.stops:
		t.Fatalf("local stop reached the remote gateway")
	default:
	}
}

func TestReplayReissuesVote(t *testing.T) {
	store := memory.NewStore()
	open := serverSnapshot(7, 3, 1)
	value, err := encodePoll(pollFromServer(open))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	store.SeedPoll(7, value)
	store.SeedIntent(ports.RecoveryIntent{
		ID:         "intent-1",
		Kind:       ports.RecoveryIntentVote,
		PollID:     7,
		Message:    testRef(6, 60),
		OptionData: []string{optionData(1)},
	})

	remote := newRemote()
	manager := NewManager(Deps{
		Storage: store,
		Log:     store,
		Remote:  remote,
		Clock:   store,
		IDGen:   store,
	})
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(manager.Close)

	call := awaitVote(t, remote)
	if call.PollID != 7 {
		t.Fatalf("replayed vote poll = %d, want 7", call.PollID)
	}
	if len(call.Options) != 1 || call.Options[0] != optionData(1) {
		t.Fatalf("replayed payload %v", call.Options)
	}

	ack := serverSnapshot(7, 3, 2)
	ack.Options[1].IsChosen = true
	call.reply <- remoteReply{server: ack}

	waitFor(t, func() bool { return len(store.Intents()) == 0 })
	select {
	case <-remote.votes:
		t.Fatalf("replay issued more than one submission")
	default:
	}
}

func TestReplayDropsIntentForClosedPoll(t *testing.T) {
	store := memory.NewStore()
	closed := serverSnapshot(8, 1, 1)
	closed.IsClosed = true
	value, err := encodePoll(pollFromServer(closed))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	store.SeedPoll(8, value)
	store.SeedIntent(ports.RecoveryIntent{
		ID:         "intent-2",
		Kind:       ports.RecoveryIntentVote,
		PollID:     8,
		Message:    testRef(7, 70),
		OptionData: []string{optionData(0)},
	})

	remote := newRemote()
	manager := NewManager(Deps{
		Storage: store,
		Log:     store,
		Remote:  remote,
		Clock:   store,
		IDGen:   store,
	})
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(manager.Close)

	waitFor(t, func() bool { return len(store.Intents()) == 0 })
	select {
	case <-remote.votes:
		t.Fatalf("vote reissued against a closed poll")
	default:
	}
}

func TestReplayReissuesClose(t *testing.T) {
	store := memory.NewStore()
	open := serverSnapshot(9, 2, 2)
	value, err := encodePoll(pollFromServer(open))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	store.SeedPoll(9, value)
	store.SeedIntent(ports.RecoveryIntent{
		ID:      "intent-3",
		Kind:    ports.RecoveryIntentClose,
		PollID:  9,
		Message: testRef(8, 80),
	})

	remote := newRemote()
	manager := NewManager(Deps{
		Storage: store,
		Log:     store,
		Remote:  remote,
		Clock:   store,
		IDGen:   store,
	})
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(manager.Close)

	stop := awaitStop(t, remote)
	if stop.PollID != 9 {
		t.Fatalf("replayed stop poll = %d, want 9", stop.PollID)
	}
	closed, err := manager.IsClosed(9)
	if err != nil || !closed {
		t.Fatalf("poll not re-closed locally: closed=%v err=%v", closed, err)
	}

	ack := serverSnapshot(9, 2, 2)
	ack.IsClosed = true
	stop.reply <- remoteReply{server: ack}
	waitFor(t, func() bool { return len(store.Intents()) == 0 })
}

func TestSetAnswerDeduplicatesIndexes(t *testing.T) {
	env := newTestEnv(t, Options{})
	if _, err := env.manager.IngestServerPoll(serverSnapshot(145, 0, 0)); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// a repeated index is one answer, not a multiple-answer violation
	done := make(chan error, 1)
	env.manager.SetAnswer(145, testRef(10, 100), []int{1, 1}, func(err error) { done <- err })
	call := awaitVote(t, env.remote)
	if len(call.Options) != 1 || call.Options[0] != optionData(1) {
		t.Fatalf("deduplicated payload = %v, want [%s]", call.Options, optionData(1))
	}
	ack := serverSnapshot(145, 0, 1)
	ack.Options[1].IsChosen = true
	call.reply <- remoteReply{server: ack}
	if err := awaitErr(t, done); err != nil {
		t.Fatalf("vote promise: %v", err)
	}
}

// Every promise whose closure is still queued in the mailbox at shutdown
// must resolve with the shutdown error instead of being dropped.
func TestCloseResolvesQueuedPromises(t *testing.T) {
	env := newTestEnv(t, Options{})
	if _, err := env.manager.IngestServerPoll(serverSnapshot(160, 1, 1)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	ref := testRef(11, 110)

	const submissions = 100
	results := make(chan error, submissions)
	for i := 0; i < submissions; i++ {
		env.manager.SetAnswer(160, ref, []int{i % 2}, func(err error) { results <- err })
	}
	votersDone := make(chan votersResult, 1)
	env.manager.GetVoters(160, ref, 0, 0, 10, votersPromise(votersDone))
	env.manager.Close()

	for i := 0; i < submissions; i++ {
		if err := awaitErr(t, results); !errors.Is(err, domainerrors.ErrShuttingDown) {
			t.Fatalf("promise %d resolved with %v, want %v", i, err, domainerrors.ErrShuttingDown)
		}
	}
	if result := awaitVoters(t, votersDone); !errors.Is(result.err, domainerrors.ErrShuttingDown) {
		t.Fatalf("voters promise resolved with %v, want %v", result.err, domainerrors.ErrShuttingDown)
	}
}

func TestConcurrentCloseIsSafe(t *testing.T) {
	env := newTestEnv(t, Options{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.manager.Close()
		}()
	}
	wg.Wait()
	env.manager.Close()
}

func TestShutdownFailsPendingFast(t *testing.T) {
	env := newTestEnv(t, Options{})
	if _, err := env.manager.IngestServerPoll(serverSnapshot(150, 1, 0)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	env.manager.Close()

	done := make(chan error, 1)
	env.manager.SetAnswer(150, testRef(9, 90), []int{0}, func(err error) { done <- err })
	if err := awaitErr(t, done); !errors.Is(err, domainerrors.ErrShuttingDown) {
		t.Fatalf("vote after close = %v, want %v", err, domainerrors.ErrShuttingDown)
	}
	if _, err := env.manager.GetPoll(150); !errors.Is(err, domainerrors.ErrShuttingDown) {
		t.Fatalf("get after close = %v, want %v", err, domainerrors.ErrShuttingDown)
	}
}
