package application

import (
	"encoding/json"
	"time"

	"pollsync/domain/entities"
)

// The storage codec is owned here so every adapter stores the same opaque
// byte value. Close dates are stored as unix seconds; zero means unset.

type storedTextEntity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

type storedFormattedText struct {
	Text     string             `json:"text,omitempty"`
	Entities []storedTextEntity `json:"entities,omitempty"`
}

type storedPollOption struct {
	Text       string `json:"text"`
	Data       string `json:"data"`
	VoterCount int    `json:"voter_count"`
	IsChosen   bool   `json:"is_chosen,omitempty"`
}

type storedPoll struct {
	Question             string              `json:"question"`
	Options              []storedPollOption  `json:"options"`
	RecentVoterIDs       []int64             `json:"recent_voter_ids,omitempty"`
	Explanation          storedFormattedText `json:"explanation,omitempty"`
	TotalVoterCount      int                 `json:"total_voter_count"`
	CorrectOptionIndex   int                 `json:"correct_option_index"`
	OpenPeriod           int                 `json:"open_period,omitempty"`
	CloseDate            int64               `json:"close_date,omitempty"`
	IsAnonymous          bool                `json:"is_anonymous"`
	AllowMultipleAnswers bool                `json:"allow_multiple_answers"`
	IsQuiz               bool                `json:"is_quiz"`
	IsClosed             bool                `json:"is_closed"`
	IsUpdatedAfterClose  bool                `json:"is_updated_after_close,omitempty"`
}

func encodePoll(poll entities.Poll) ([]byte, error) {
	stored := storedPoll{
		Question:             poll.Question,
		Options:              make([]storedPollOption, len(poll.Options)),
		RecentVoterIDs:       poll.RecentVoterIDs,
		TotalVoterCount:      poll.TotalVoterCount,
		CorrectOptionIndex:   poll.CorrectOptionIndex,
		OpenPeriod:           poll.OpenPeriod,
		IsAnonymous:          poll.IsAnonymous,
		AllowMultipleAnswers: poll.AllowMultipleAnswers,
		IsQuiz:               poll.IsQuiz,
		IsClosed:             poll.IsClosed,
		IsUpdatedAfterClose:  poll.IsUpdatedAfterClose,
	}
	for i, option := range poll.Options {
		stored.Options[i] = storedPollOption{
			Text:       option.Text,
			Data:       option.Data,
			VoterCount: option.VoterCount,
			IsChosen:   option.IsChosen,
		}
	}
	stored.Explanation.Text = poll.Explanation.Text
	for _, entity := range poll.Explanation.Entities {
		stored.Explanation.Entities = append(stored.Explanation.Entities, storedTextEntity(entity))
	}
	if !poll.CloseDate.IsZero() {
		stored.CloseDate = poll.CloseDate.Unix()
	}
	return json.Marshal(stored)
}

func decodePoll(value []byte) (entities.Poll, error) {
	var stored storedPoll
	if err := json.Unmarshal(value, &stored); err != nil {
		return entities.Poll{}, err
	}
	poll := entities.Poll{
		Question:             stored.Question,
		Options:              make([]entities.PollOption, len(stored.Options)),
		RecentVoterIDs:       stored.RecentVoterIDs,
		TotalVoterCount:      stored.TotalVoterCount,
		CorrectOptionIndex:   stored.CorrectOptionIndex,
		OpenPeriod:           stored.OpenPeriod,
		IsAnonymous:          stored.IsAnonymous,
		AllowMultipleAnswers: stored.AllowMultipleAnswers,
		IsQuiz:               stored.IsQuiz,
		IsClosed:             stored.IsClosed,
		IsUpdatedAfterClose:  stored.IsUpdatedAfterClose,
	}
	for i, option := range stored.Options {
		poll.Options[i] = entities.PollOption{
			Text:       option.Text,
			Data:       option.Data,
			VoterCount: option.VoterCount,
			IsChosen:   option.IsChosen,
		}
	}
	poll.Explanation.Text = stored.Explanation.Text
	for _, entity := range stored.Explanation.Entities {
		poll.Explanation.Entities = append(poll.Explanation.Entities, entities.TextEntity(entity))
	}
	if stored.CloseDate != 0 {
		poll.CloseDate = time.Unix(stored.CloseDate, 0).UTC()
	}
	return poll, nil
}
