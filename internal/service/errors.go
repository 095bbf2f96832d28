package service

import "errors"

var (
	ErrJobNotFound         = errors.New("job not found")
	ErrGearNotFound        = errors.New("gear not found")
	ErrBatchNotFound       = errors.New("batch not found")
	ErrRuleNotFound        = errors.New("rule not found")
	ErrContainerNotFound   = errors.New("container not found")
	ErrFileNotFound        = errors.New("file not found in container")
	ErrInvalidState        = errors.New("invalid state")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrRetryExists         = errors.New("job has already been retried")
	ErrMixedContainerTypes = errors.New("containers must all be of the same type")
	ErrUnsupportedMatch    = errors.New("unsupported match type")
	ErrInvalidConfig       = errors.New("invalid gear config")
	ErrInvalidInput        = errors.New("invalid job input")
	ErrInvalidRule         = errors.New("invalid rule")
	ErrInvalidGear         = errors.New("invalid gear")
	ErrNoInputs            = errors.New("job requires at least one input")
	ErrPermissionDenied    = errors.New("permission denied")
)
