package changefeed

import (
	"errors"
	"fmt"
)

var (
	// ErrWatcherStarted is returned by a second call to Watcher.Run
	ErrWatcherStarted = errors.New("watcher already started")

	// errStreamEnded is a clean end of a change stream, retried like a transient failure
	errStreamEnded = errors.New("change stream ended")
)

// FatalFeedError stops the watcher for good
type FatalFeedError struct {
	Err error
}

func (e *FatalFeedError) Error() string {
	return fmt.Sprintf("fatal change feed error: %v", e.Err)
}

func (e *FatalFeedError) Unwrap() error {
	return e.Err
}
