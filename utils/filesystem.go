package utils // import "github.com/helmsmanhq/helmsman/utils"

import (
	"context"
	"os"
	"path"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WaitForFileCreation blocks until the provided filename is created in the
// provided directory, or the timeout duration elapses. If the target file is
// created in time, a nil error is returned. If the timeout elapses, a
// context.DeadlineExceeded error is returned. In any other case, a non-nil
// error is returned explaining what went wrong.
//
// The process spawner driver uses this to wait for a single-user server's
// readiness file when one is configured, instead of busy-polling the child.
//
// For maximum correctness, we require that any paths passed in are absolute.
//
// The function accepts a pointer to a fsnotify watcher. If the caller passes
// in nil then we will create a new watcher and handle the clean up. If a
// watcher is passed by the caller then they are expected to clean up their
// watcher.
func WaitForFileCreation(absParentDirectory, fileName string, timeout time.Duration, watcher *fsnotify.Watcher) error {
	if !path.IsAbs(absParentDirectory) {
		return MakeError("can't pass non-absolute paths into WaitForFileCreation")
	}
	targetFileName := path.Join(absParentDirectory, fileName)

	var err error
	if watcher == nil {
		watcher, err = fsnotify.NewWatcher()
		if err != nil {
			return MakeError("couldn't create new fsnotify.Watcher: %s", err)
		}
		defer watcher.Close()
	}

	// Check if the file has already been created before the watcher starts.
	if _, err := os.Stat(targetFileName); err == nil {
		return nil
	}

	if err = watcher.Add(absParentDirectory); err != nil {
		return MakeError("error adding dir %s to fsnotify.Watcher: %s", absParentDirectory, err)
	}

	// Check again, in case the file appeared between the first check and the
	// watch being registered.
	if _, err := os.Stat(targetFileName); err == nil {
		return nil
	}

	return waitForErrorOrCreation(timeout, targetFileName, watcher.Events, watcher.Errors)
}

// waitForErrorOrCreation handles watcher events, errors, and timeouts.
func waitForErrorOrCreation(timeout time.Duration, targetFileName string, watcherEvent chan fsnotify.Event, watcherErr chan error) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return context.DeadlineExceeded

		case err, ok := <-watcherErr:
			if !ok {
				return MakeError("fsnotify.Watcher error channel closed with error: %v", err)
			}
			// Note that for us, dropped events _are_ errors, since we should not
			// be generating nearly enough filesystem activity to drop any events.
			return MakeError("fsnotify.Watcher returned error: %s", err)

		case ev, ok := <-watcherEvent:
			if !ok {
				return MakeError("fsnotify.Watcher events channel closed")
			}
			if ev.Op&fsnotify.Create == fsnotify.Create && ev.Name == targetFileName {
				return nil
			}
		}
	}
}
