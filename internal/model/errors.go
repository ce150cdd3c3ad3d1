package model

import "errors"

var (
	ErrInvalidInput     = errors.New("invalid vote input")
	ErrInvalidVoteValue = errors.New("vote value must be clean, sketch or redo")
	ErrBattleNotFound   = errors.New("battle not found")
	ErrNotParticipant   = errors.New("participant is not part of this battle")
	ErrVotingNotActive  = errors.New("voting is not active for this battle")
	ErrDeadlinePassed   = errors.New("voting deadline has passed")
	ErrAlreadyExists    = errors.New("vote state already exists")
)
