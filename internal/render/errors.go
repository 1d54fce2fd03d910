package render

import "errors"

var (
	ErrSourceShutdown = errors.New("render: sample source shut down")
	ErrNoPanel        = errors.New("render: no swap chain panel set")
	ErrNotStarted     = errors.New("render: not started")
	ErrPanelGone      = errors.New("render: panel process is gone")
	ErrNoSurface      = errors.New("render: engine has no surface yet")
)
