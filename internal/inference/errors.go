package inference

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned by every generation call made before a
	// successful Setup.
	ErrNotInitialized = errors.New("inference: model not initialized")
	// ErrBusy is returned by non-blocking calls while another request holds
	// the model.
	ErrBusy = errors.New("inference: generation already in progress")
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("inference: invalid request")
	// ErrForward wraps failures of the model's forward pass.
	ErrForward = errors.New("inference: forward pass failed")
)

// SetupStage identifies which part of Setup failed.
type SetupStage int

const (
	ConfigParse SetupStage = iota + 1
	WeightLoad
	ModelBuild
	TokenizerLoad
)

func (s SetupStage) String() string {
	switch s {
	case ConfigParse:
		return "config parse"
	case WeightLoad:
		return "weight load"
	case ModelBuild:
		return "model build"
	case TokenizerLoad:
		return "tokenizer load"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

type SetupError struct {
	Stage SetupStage
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("inference: setup failed (%s): %v", e.Stage, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// TokenizeError is a failure of the tokenizer while encoding the prompt.
type TokenizeError struct{ Err error }

func (e *TokenizeError) Error() string { return "inference: tokenize: " + e.Err.Error() }
func (e *TokenizeError) Unwrap() error { return e.Err }

// DecodeError is a failure of the tokenizer while decoding generated ids.
type DecodeError struct{ Err error }

func (e *DecodeError) Error() string { return "inference: decode: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

func setupErr(stage SetupStage, err error) error {
	var se *SetupError
	if errors.As(err, &se) {
		return err
	}
	return &SetupError{Stage: stage, Err: err}
}
