package domain

import "errors"

var (
	ErrConnection    = errors.New("connection error")
	ErrProtocol      = errors.New("protocol error")
	ErrTranscode     = errors.New("transcode error")
	ErrToolDispatch  = errors.New("tool dispatch error")
	ErrConfig        = errors.New("config error")
	ErrSessionClosed = errors.New("session closed")
	ErrBackpressure  = errors.New("backpressure")
)
