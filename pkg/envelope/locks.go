package envelope

import "sync"

// fileLocks hands out one mutex per file id. Entries are reference-counted
// and dropped when the last holder releases, so the map does not grow with
// the number of files ever touched.
type fileLocks struct {
	mu    sync.Mutex
	locks map[string]*fileLock
}

type fileLock struct {
	mu   sync.Mutex
	refs int
}

func newFileLocks() *fileLocks {
	return &fileLocks{locks: make(map[string]*fileLock)}
}

// acquire blocks until the caller holds the file's mutex and returns the
// release function. Callers must release on every exit path.
func (l *fileLocks) acquire(fileID string) func() {
	l.mu.Lock()
	fl, ok := l.locks[fileID]
	if !ok {
		fl = &fileLock{}
		l.locks[fileID] = fl
	}
	fl.refs++
	l.mu.Unlock()

	fl.mu.Lock()

	return func() {
		fl.mu.Unlock()
		l.mu.Lock()
		fl.refs--
		if fl.refs == 0 {
			delete(l.locks, fileID)
		}
		l.mu.Unlock()
	}
}
