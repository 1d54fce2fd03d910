package dispatcher

import "errors"

// ErrStopped is returned by Run once the dispatcher no longer accepts work.
var ErrStopped = errors.New("dispatcher: stopped")
