package ports

import (
	"context"
	"time"

	"pollsync/domain/entities"
)

// ServerPollOption mirrors one option inside an authoritative snapshot.
type ServerPollOption struct {
	Text       string
	Data       string
	VoterCount int
	IsChosen   bool
}

// ServerPoll is an authoritative poll snapshot received from the remote
// side, either pushed or returned as the result of a mutation.
type ServerPoll struct {
	PollID               int64
	Question             string
	Options              []ServerPollOption
	TotalVoterCount      int
	RecentVoterIDs       []int64
	Explanation          entities.FormattedText
	CorrectOptionIndex   int
	OpenPeriod           int
	CloseDate            time.Time
	IsAnonymous          bool
	AllowMultipleAnswers bool
	IsQuiz               bool
	IsClosed             bool
}

// VotersPage is one page of voter identifiers for a poll option. NextOffset
// is an opaque continuation cursor; empty means the list is complete.
type VotersPage struct {
	TotalCount int
	VoterIDs   []int64
	NextOffset string
}

// RemoteGateway issues calls to the authoritative server. Calls block until
// a response arrives; the manager runs them off its sequence and reconciles
// results when they re-enter. The transport offers no true cancellation, so
// superseded calls are left to finish and their results are discarded.
type RemoteGateway interface {
	SubmitVote(ctx context.Context, pollID int64, ref entities.MessageRef, optionData []string) (ServerPoll, error)
	StopPoll(ctx context.Context, pollID int64, ref entities.MessageRef) (ServerPoll, error)
	RefreshPoll(ctx context.Context, pollID int64, ref entities.MessageRef) (ServerPoll, error)
	ListVoters(ctx context.Context, pollID int64, ref entities.MessageRef, optionData string, offset string, limit int) (VotersPage, error)
}

// PollStorage is the durable save/load-by-key surface of the storage
// engine. Load returns domain ErrPollNotFound when the key is absent.
type PollStorage interface {
	SavePoll(ctx context.Context, pollID int64, value []byte) error
	LoadPoll(ctx context.Context, pollID int64) ([]byte, error)
	DeletePoll(ctx context.Context, pollID int64) error
}

type RecoveryIntentKind string

const (
	RecoveryIntentVote  RecoveryIntentKind = "vote"
	RecoveryIntentClose RecoveryIntentKind = "close"
)

// RecoveryIntent captures an in-flight mutation durably enough to reissue
// the remote call deterministically after a restart. OptionData is set only
// for vote intents.
type RecoveryIntent struct {
	ID         string
	Kind       RecoveryIntentKind
	PollID     int64
	Message    entities.MessageRef
	OptionData []string
}

// RecoveryLog is the append-only log of pending mutation intents. Replay
// returns surviving intents in append order; adapters drop entries they
// cannot decode instead of failing startup.
type RecoveryLog interface {
	Append(ctx context.Context, intent RecoveryIntent) error
	Remove(ctx context.Context, intentID string) error
	Replay(ctx context.Context) ([]RecoveryIntent, error)
}

type Clock interface {
	Now() time.Time
}

type IDGenerator interface {
	NewID(ctx context.Context) (string, error)
}

// UpdateListener receives the public representation of a poll after every
// committed change visible in at least one registered message. It is called
// from the manager's own sequence; implementations must not call back into
// the manager synchronously.
type UpdateListener interface {
	PollUpdated(pollID int64, poll entities.Poll)
}
