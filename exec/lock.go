package exec

import (
	"time"

	"github.com/loamdb/loam/common"
)

// DBLock serializes writers against one database file. Readers share;
// a writer excludes everyone. Acquisition polls rather than blocks so a
// busy timeout can be honored, after which the caller gets BusyError and
// can retry at the statement level.
type DBLock struct {
	sem chan struct{} // capacity 1: held by the writer
	rmu chan struct{} // guards the reader count
	rc  int
}

// NewDBLock returns an unlocked database lock.
func NewDBLock() *DBLock {
	return &DBLock{
		sem: make(chan struct{}, 1),
		rmu: make(chan struct{}, 1),
	}
}

const lockPollInterval = time.Millisecond

// AcquireExclusive takes the writer lock, waiting up to timeout.
func (l *DBLock) AcquireExclusive(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		select {
		case l.sem <- struct{}{}:
			return nil
		default:
		}
		if time.Now().After(deadline) {
			return common.NewError(common.BusyError, "database is locked")
		}
		time.Sleep(lockPollInterval)
	}
}

// ReleaseExclusive drops the writer lock.
func (l *DBLock) ReleaseExclusive() {
	<-l.sem
}

// AcquireShared takes a reader slot, waiting up to timeout for any writer
// to finish.
func (l *DBLock) AcquireShared(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		l.rmu <- struct{}{}
		if l.rc > 0 {
			// Readers already in; piggyback.
			l.rc++
			<-l.rmu
			return nil
		}
		select {
		case l.sem <- struct{}{}:
			// First reader holds the writer slot on behalf of all readers.
			l.rc = 1
			<-l.rmu
			return nil
		default:
		}
		<-l.rmu
		if time.Now().After(deadline) {
			return common.NewError(common.BusyError, "database is locked")
		}
		time.Sleep(lockPollInterval)
	}
}

// ReleaseShared drops a reader slot.
func (l *DBLock) ReleaseShared() {
	l.rmu <- struct{}{}
	l.rc--
	if l.rc == 0 {
		<-l.sem
	}
	<-l.rmu
}
