package sshconn

import (
	"sync"
	"time"
)

var (
	timeMu   sync.RWMutex
	fakeTime *time.Time
)

// timeNow returns the current time, or the fake time set by a test.
func timeNow() time.Time {
	timeMu.RLock()
	defer timeMu.RUnlock()
	if fakeTime != nil {
		return *fakeTime
	}
	return time.Now()
}

// setFakeTime freezes timeNow at t until the returned func is called.
func setFakeTime(t time.Time) func() {
	timeMu.Lock()
	defer timeMu.Unlock()
	fakeTime = &t
	return func() {
		timeMu.Lock()
		defer timeMu.Unlock()
		fakeTime = nil
	}
}

// advanceFakeTime moves the frozen clock forward by d.
func advanceFakeTime(d time.Duration) {
	timeMu.Lock()
	defer timeMu.Unlock()
	if fakeTime == nil {
		panic("advanceFakeTime called without setFakeTime")
	}
	next := fakeTime.Add(d)
	fakeTime = &next
}
