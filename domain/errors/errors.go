package errors

import "errors"

var (
	ErrPollNotFound         = errors.New("poll not found")
	ErrPollClosed           = errors.New("poll is closed")
	ErrPollAnonymous        = errors.New("poll is anonymous")
	ErrOptionOutOfRange     = errors.New("option index is out of range")
	ErrTooManyAnswers       = errors.New("poll does not allow multiple answers")
	ErrQuizAnswerRequired   = errors.New("quiz answer cannot be retracted")
	ErrQuestionEmpty        = errors.New("poll question is empty")
	ErrTooFewOptions        = errors.New("poll needs at least two options")
	ErrTooManyOptions       = errors.New("poll has too many options")
	ErrInvalidCorrectOption = errors.New("quiz correct option is invalid")
	ErrOpenPeriodConflict   = errors.New("open period and close date are mutually exclusive")
	ErrInvalidLimit         = errors.New("voter page limit is invalid")
	ErrInvalidOffset        = errors.New("voter page offset is invalid")
	ErrLocalPollOnly        = errors.New("operation is valid only for local polls")
	ErrServerPollExpected   = errors.New("operation needs a server-acknowledged poll")
	ErrShuttingDown         = errors.New("poll manager is shutting down")
	ErrIntentCorrupt        = errors.New("recovery intent is corrupt")
)
