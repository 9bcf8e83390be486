package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"pollsync/adapters/memory"
	"pollsync/domain/entities"
	"pollsync/ports"
)

type remoteReply struct {
	server ports.ServerPoll
	err    error
}

type voteCall struct {
	PollID  int64
	Ref     entities.MessageRef
	Options []string
	reply   chan remoteReply
}

type stopCall struct {
	PollID int64
	reply  chan remoteReply
}

type listReply struct {
	page ports.VotersPage
	err  error
}

type listCall struct {
	PollID     int64
	OptionData string
	Offset     string
	Limit      int
	reply      chan listReply
}

// fakeRemote hands every outbound call to the test through a channel and
// blocks until the test replies, so tests control response ordering.
type fakeRemote struct {
	votes chan *voteCall
	stops chan *stopCall
	lists chan *listCall

	mu        sync.Mutex
	listCalls int
	refresh   ports.ServerPoll
}

func newRemote() *fakeRemote {
	return &fakeRemote{
		votes: make(chan *voteCall, 128),
		stops: make(chan *stopCall, 8),
		lists: make(chan *listCall, 8),
	}
}

func (f *fakeRemote) SubmitVote(ctx context.Context, pollID int64, ref entities.MessageRef, optionData []string) (ports.ServerPoll, error) {
	call := &voteCall{PollID: pollID, Ref: ref, Options: optionData, reply: make(chan remoteReply, 1)}
	f.votes <- call
	select {
	case r := <-call.reply:
		return r.server, r.err
	case <-ctx.Done():
		return ports.ServerPoll{}, ctx.Err()
	}
}

func (f *fakeRemote) StopPoll(ctx context.Context, pollID int64, _ entities.MessageRef) (ports.ServerPoll, error) {
	call := &stopCall{PollID: pollID, reply: make(chan remoteReply, 1)}
	f.stops <- call
	select {
	case r := <-call.reply:
		return r.server, r.err
	case <-ctx.Done():
		return ports.ServerPoll{}, ctx.Err()
	}
}

func (f *fakeRemote) RefreshPoll(_ context.Context, _ int64, _ entities.MessageRef) (ports.ServerPoll, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refresh, nil
}

func (f *fakeRemote) ListVoters(ctx context.Context, pollID int64, _ entities.MessageRef, optionData string, offset string, limit int) (ports.VotersPage, error) {
	f.mu.Lock()
	f.listCalls++
	f.mu.Unlock()
	call := &listCall{PollID: pollID, OptionData: optionData, Offset: offset, Limit: limit, reply: make(chan listReply, 1)}
	f.lists <- call
	select {
	case r := <-call.reply:
		return r.page, r.err
	case <-ctx.Done():
		return ports.VotersPage{}, ctx.Err()
	}
}

func (f *fakeRemote) listCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

type recordingListener struct {
	mu      sync.Mutex
	updates []entities.Poll
}

func (l *recordingListener) PollUpdated(_ int64, poll entities.Poll) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, poll)
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.updates)
}

type testEnv struct {
	manager  *Manager
	store    *memory.Store
	remote   *fakeRemote
	listener *recordingListener
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    memory.NewStore(),
		remote:   newRemote(),
		listener: &recordingListener{},
	}
	env.manager = NewManager(Deps{
		Storage:  env.store,
		Log:      env.store,
		Remote:   env.remote,
		Clock:    env.store,
		IDGen:    env.store,
		Listener: env.listener,
		Options:  opts,
	})
	if err := env.manager.Start(context.Background()); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	t.Cleanup(env.manager.Close)
	return env
}

// serverSnapshot builds a two-option non-anonymous open snapshot.
func serverSnapshot(pollID int64, counts ...int) ports.ServerPoll {
	if len(counts) == 0 {
		counts = []int{0, 0}
	}
	server := ports.ServerPoll{
		PollID:             pollID,
		Question:           "favourite transport?",
		CorrectOptionIndex: -1,
	}
	texts := []string{"trains", "boats"}
	total := 0
	for i, count := range counts {
		server.Options = append(server.Options, ports.ServerPollOption{
			Text:       texts[i%len(texts)],
			Data:       optionData(i),
			VoterCount: count,
		})
		total += count
	}
	server.TotalVoterCount = total
	return server
}

func optionData(index int) string {
	return string(rune('a' + index))
}

func awaitVote(t *testing.T, remote *fakeRemote) *voteCall {
	t.Helper()
	select {
	case call := <-remote.votes:
		return call
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for vote submission")
		return nil
	}
}

func awaitStop(t *testing.T, remote *fakeRemote) *stopCall {
	t.Helper()
	select {
	case call := <-remote.stops:
		return call
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for stop call")
		return nil
	}
}

func awaitList(t *testing.T, remote *fakeRemote) *listCall {
	t.Helper()
	select {
	case call := <-remote.lists:
		return call
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for voter list fetch")
		return nil
	}
}

func awaitErr(t *testing.T, ch chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for promise")
		return nil
	}
}

func testRef(chatID, messageID int64) entities.MessageRef {
	return entities.MessageRef{ChatID: chatID, MessageID: messageID}
}

// waitFor polls a condition that is satisfied by the manager sequence
// asynchronously, with a hard deadline.
func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached in time")
}

func noResolution(t *testing.T, ch chan error) {
	t.Helper()
	select {
	case err := <-ch:
		t.Fatalf("promise resolved unexpectedly: %v", err)
	default:
	}
}
