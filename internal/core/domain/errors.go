package domain

import "errors"

var (
	ErrSourceNotFound    = errors.New("source not found")
	ErrDeviceNotFound    = errors.New("device not found")
	ErrProfileNotFound   = errors.New("profile not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrNoHealthySource   = errors.New("no healthy source available")
	ErrStreamBlocked     = errors.New("stream blocked by tamper detection")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrPairingRejected   = errors.New("pairing rejected")
	ErrDeviceGone        = errors.New("device ended the session")
	ErrNoFactory         = errors.New("no connection factory installed")
	ErrNoAnalysis        = errors.New("no site under analysis")
	ErrTransitionRunning = errors.New("transition already in progress")
)
