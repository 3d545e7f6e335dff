package session

import (
	"errors"
	"fmt"

	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/profile"
)

// Stage is the connect step that failed.
type Stage string

const (
	StageConfig   Stage = "config"
	StageTunnel   Stage = "tunnel"
	StageDatabase Stage = "database"
)

var (
	// ErrConfig is shared with the profile package so a malformed profile matches either.
	ErrConfig   = profile.ErrConfig
	ErrTunnel   = errors.New("tunnel error")
	ErrDatabase = errors.New("database error")
)

// ConnectionError is returned by Connect and Reconnect. No usable session is left behind.
type ConnectionError struct {
	Stage Stage
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect (%s): %v", e.Stage, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) Is(target error) bool {
	switch target {
	case ErrConfig:
		return e.Stage == StageConfig
	case ErrTunnel:
		return e.Stage == StageTunnel
	case ErrDatabase:
		return e.Stage == StageDatabase
	}
	return false
}
