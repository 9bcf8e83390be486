package entities

import (
	"sort"
	"strings"
	"time"
)

// MessageRef identifies one chat message that displays a poll.
type MessageRef struct {
	ChatID    int64
	MessageID int64
}

// TextEntity marks a rich-text span inside formatted text.
type TextEntity struct {
	Type   string
	Offset int
	Length int
}

// FormattedText is plain text plus markup spans.
type FormattedText struct {
	Text     string
	Entities []TextEntity
}

// PollOption is one answer of a poll. Data is the opaque server-assigned
// selector payload echoed back verbatim when the option is voted for; it is
// empty for polls composed locally and not yet acknowledged.
type PollOption struct {
	Text       string
	Data       string
	VoterCount int
	IsChosen   bool
}

// Poll is the local replica of one poll entity. OpenPeriod and CloseDate are
// mutually exclusive; CorrectOptionIndex is -1 unless the poll is a quiz.
// Unsaved marks local changes not yet written to durable storage.
type Poll struct {
	Question             string
	Options              []PollOption
	RecentVoterIDs       []int64
	Explanation          FormattedText
	TotalVoterCount      int
	CorrectOptionIndex   int
	OpenPeriod           int
	CloseDate            time.Time
	IsAnonymous          bool
	AllowMultipleAnswers bool
	IsQuiz               bool
	IsClosed             bool
	IsUpdatedAfterClose  bool
	Unsaved              bool
}

// IsLocalPollID reports whether the identifier belongs to the client-local
// space. Local identifiers are negative and are replaced by server-assigned
// positive identifiers once the poll is acknowledged.
func IsLocalPollID(id int64) bool {
	return id < 0
}

// SearchText returns the text indexed for message search: the question
// followed by every option text.
func (p Poll) SearchText() string {
	parts := make([]string, 0, len(p.Options)+1)
	parts = append(parts, p.Question)
	for _, option := range p.Options {
		parts = append(parts, option.Text)
	}
	return strings.Join(parts, "\n")
}

// ChosenOptionData returns the selector payloads of the options the local
// user currently has chosen.
func (p Poll) ChosenOptionData() []string {
	var chosen []string
	for _, option := range p.Options {
		if option.IsChosen {
			chosen = append(chosen, option.Data)
		}
	}
	return chosen
}

// OptionIndexByData returns the index of the option carrying the given
// selector payload, or -1.
func (p Poll) OptionIndexByData(data string) int {
	for i, option := range p.Options {
		if option.Data == data {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy safe to hand outside the owning sequence.
func (p Poll) Clone() Poll {
	clone := p
	clone.Options = make([]PollOption, len(p.Options))
	copy(clone.Options, p.Options)
	if p.RecentVoterIDs != nil {
		clone.RecentVoterIDs = make([]int64, len(p.RecentVoterIDs))
		copy(clone.RecentVoterIDs, p.RecentVoterIDs)
	}
	if p.Explanation.Entities != nil {
		clone.Explanation.Entities = make([]TextEntity, len(p.Explanation.Entities))
		copy(clone.Explanation.Entities, p.Explanation.Entities)
	}
	return clone
}

// VotePercentages converts raw voter counts into display percentages.
// When the counts sum to the total (single-answer polls) the result sums to
// exactly 100 using largest-remainder rounding; otherwise each count is
// rounded half-up independently, since multiple-answer percentages may sum
// past 100.
func VotePercentages(counts []int, total int) []int {
	percentages := make([]int, len(counts))
	if total <= 0 {
		return percentages
	}

	sum := 0
	for _, count := range counts {
		sum += count
	}
	if sum != total {
		for i, count := range counts {
			percentages[i] = (count*200 + total) / (2 * total)
		}
		return percentages
	}

	remainders := make([]int, len(counts))
	assigned := 0
	for i, count := range counts {
		percentages[i] = count * 100 / total
		remainders[i] = count * 100 % total
		assigned += percentages[i]
	}
	order := make([]int, len(counts))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return remainders[order[a]] > remainders[order[b]]
	})
	left := 100 - assigned
	for _, i := range order {
		if left == 0 || remainders[i] == 0 {
			break
		}
		percentages[i]++
		left--
	}
	return percentages
}
