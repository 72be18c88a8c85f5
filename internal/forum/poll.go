package forum

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opPollEngineNew = "poll.engine.new"
	opCreatePoll    = "poll.create"
	opLoadPoll      = "poll.load"
	opCastVote      = "poll.cast_vote"
)

// PollEngineConfig describes the dependencies of the poll engine.
type PollEngineConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// PollEngine loads poll state, aggregates votes and enforces the
// one-vote-per-user rule.
type PollEngine struct {
	db     *gorm.DB
	clock  func() time.Time
	ids    IDProvider
	logger *zap.Logger
}

// NewPollEngine constructs the poll engine.
func NewPollEngine(cfg PollEngineConfig) (*PollEngine, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opPollEngineNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &PollEngine{db: cfg.Database, clock: clock, ids: ids, logger: logger}, nil
}

// OptionTally is one option with its aggregated vote count and integer
// percentage of the poll total.
type OptionTally struct {
	Option  PollOption `json:"option"`
	Votes   int        `json:"votes"`
	Percent int        `json:"percent"`
}

// PollView is a poll with nested options and the live tally.
type PollView struct {
	Poll       Poll          `json:"poll"`
	Options    []OptionTally `json:"options"`
	TotalVotes int           `json:"total_votes"`
	VotedBy    []string      `json:"voted_by"`
}

// CreatePoll attaches a poll with its ordered options to a topic. Used by the
// directory during topic creation.
func (e *PollEngine) CreatePoll(ctx context.Context, topicID, question string, options []string) (*Poll, error) {
	trimmedQuestion := strings.TrimSpace(question)
	if strings.TrimSpace(topicID) == "" || trimmedQuestion == "" || len(options) == 0 {
		return nil, newServiceError(opCreatePoll, "invalid_input", ErrValidation)
	}

	pollID, err := e.ids.NewID()
	if err != nil {
		e.logError(opCreatePoll, "id_generation_failed", err)
		return nil, newServiceError(opCreatePoll, "id_generation_failed", err)
	}
	poll := Poll{PollID: pollID, TopicID: topicID, Question: trimmedQuestion}

	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&poll).Error; err != nil {
			return err
		}
		for position, label := range options {
			trimmedLabel := strings.TrimSpace(label)
			if trimmedLabel == "" {
				continue
			}
			optionID, err := e.ids.NewID()
			if err != nil {
				return err
			}
			option := PollOption{
				OptionID: optionID,
				PollID:   pollID,
				Label:    trimmedLabel,
				Position: position,
			}
			if err := tx.Create(&option).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		e.logError(opCreatePoll, "insert_failed", txErr, zap.String("topic_id", topicID))
		return nil, newServiceError(opCreatePoll, "insert_failed", txErr)
	}

	return &poll, nil
}

// LoadPoll returns the topic's poll with nested options and vote tally, or
// nil when the topic carries no poll.
func (e *PollEngine) LoadPoll(ctx context.Context, topicID string) (*PollView, error) {
	var poll Poll
	err := e.db.WithContext(ctx).Where("topic_id = ?", topicID).Take(&poll).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		e.logError(opLoadPoll, "poll_select_failed", err, zap.String("topic_id", topicID))
		return nil, newServiceError(opLoadPoll, "poll_select_failed", err)
	}
	return e.loadView(ctx, poll)
}

// LoadPollByID resolves the poll by its own identifier.
func (e *PollEngine) LoadPollByID(ctx context.Context, pollID string) (*PollView, error) {
	var poll Poll
	err := e.db.WithContext(ctx).Where("poll_id = ?", pollID).Take(&poll).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newServiceError(opLoadPoll, "poll_not_found", ErrPollNotFound)
	}
	if err != nil {
		e.logError(opLoadPoll, "poll_select_failed", err, zap.String("poll_id", pollID))
		return nil, newServiceError(opLoadPoll, "poll_select_failed", err)
	}
	return e.loadView(ctx, poll)
}

func (e *PollEngine) loadView(ctx context.Context, poll Poll) (*PollView, error) {
	var options []PollOption
	if err := e.db.WithContext(ctx).
		Where("poll_id = ?", poll.PollID).
		Order("position ASC").
		Find(&options).Error; err != nil {
		e.logError(opLoadPoll, "options_select_failed", err, zap.String("poll_id", poll.PollID))
		return nil, newServiceError(opLoadPoll, "options_select_failed", err)
	}

	var votes []PollVote
	if err := e.db.WithContext(ctx).
		Where("poll_id = ?", poll.PollID).
		Find(&votes).Error; err != nil {
		e.logError(opLoadPoll, "votes_select_failed", err, zap.String("poll_id", poll.PollID))
		return nil, newServiceError(opLoadPoll, "votes_select_failed", err)
	}

	countsByOption := lo.CountValuesBy(votes, func(vote PollVote) string {
		return vote.OptionID
	})
	total := len(votes)

	tallies := lo.Map(options, func(option PollOption, _ int) OptionTally {
		count := countsByOption[option.OptionID]
		return OptionTally{
			Option:  option,
			Votes:   count,
			Percent: percentOf(count, total),
		}
	})

	voters := lo.Map(votes, func(vote PollVote, _ int) string {
		return vote.VoterID
	})

	return &PollView{
		Poll:       poll,
		Options:    tallies,
		TotalVotes: total,
		VotedBy:    voters,
	}, nil
}

// CastVote records one immutable vote. The engine pre-checks the
// one-vote-per-(poll, user) rule and the composite primary key backs it at
// the store, so a concurrent double cast from two tabs cannot produce two
// rows.
func (e *PollEngine) CastVote(ctx context.Context, pollID, optionID, voterID string) error {
	if strings.TrimSpace(voterID) == "" {
		return newServiceError(opCastVote, "missing_voter", ErrValidation)
	}

	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var poll Poll
		if err := tx.Where("poll_id = ?", pollID).Take(&poll).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(opCastVote, "poll_not_found", ErrPollNotFound)
			}
			return newServiceError(opCastVote, "poll_select_failed", err)
		}

		var option PollOption
		err := tx.Where("poll_id = ? AND option_id = ?", pollID, optionID).Take(&option).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opCastVote, "unknown_option", ErrValidation)
		}
		if err != nil {
			return newServiceError(opCastVote, "option_select_failed", err)
		}

		var existing int64
		if err := tx.Model(&PollVote{}).
			Where("poll_id = ? AND voter_id = ?", pollID, voterID).
			Count(&existing).Error; err != nil {
			return newServiceError(opCastVote, "vote_select_failed", err)
		}
		if existing > 0 {
			return newServiceError(opCastVote, "duplicate_vote", ErrAlreadyVoted)
		}

		vote := PollVote{
			PollID:           pollID,
			VoterID:          voterID,
			OptionID:         optionID,
			CreatedAtSeconds: e.clock().UTC().Unix(),
		}
		if err := tx.Create(&vote).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return newServiceError(opCastVote, "duplicate_vote", ErrAlreadyVoted)
			}
			return newServiceError(opCastVote, "vote_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		if !errors.Is(txErr, ErrAlreadyVoted) {
			e.logError(opCastVote, "failed", txErr,
				zap.String("poll_id", pollID),
				zap.String("voter_id", voterID))
		}
		return txErr
	}
	return nil
}

// percentOf renders votes/total as a nearest-integer percentage; an empty
// poll renders 0 for every option rather than dividing by zero.
func percentOf(votes, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(votes) / float64(total) * 100))
}

func (e *PollEngine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("poll engine error", attrs...)
}
