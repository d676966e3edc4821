package dispatch

import (
	"os"
	"os/signal"
	"sync"
)

// Process-wide signal delivery. Exactly one dispatcher may own it; installs
// are reference counted per signal so registrations from several work
// processes share one notifier.
var (
	signalMu    sync.Mutex
	signalOwner *Dispatcher
	signalRefs  = make(map[os.Signal]int)
	signalChans = make(map[os.Signal]chan os.Signal)
)

func claimSignalOwner(dsp *Dispatcher) (err error) {
	signalMu.Lock()
	defer signalMu.Unlock()
	if signalOwner != nil && signalOwner != dsp {
		err = ErrSignalOwnerTaken
		return
	}
	signalOwner = dsp
	return
}

func releaseSignalOwner(dsp *Dispatcher) {
	signalMu.Lock()
	defer signalMu.Unlock()
	if signalOwner == dsp {
		signalOwner = nil
	}
}

func ownsSignals(dsp *Dispatcher) bool {
	signalMu.Lock()
	defer signalMu.Unlock()
	return signalOwner == dsp
}

func installSignal(sig os.Signal) {
	signalMu.Lock()
	defer signalMu.Unlock()

	signalRefs[sig]++
	if signalRefs[sig] > 1 {
		return
	}

	notify := make(chan os.Signal, 8)
	signalChans[sig] = notify
	signal.Notify(notify, sig)
	go forwardSignals(notify)
}

func removeSignal(sig os.Signal) {
	signalMu.Lock()
	defer signalMu.Unlock()

	if signalRefs[sig] == 0 {
		return
	}
	signalRefs[sig]--
	if signalRefs[sig] > 0 {
		return
	}
	delete(signalRefs, sig)
	notify := signalChans[sig]
	delete(signalChans, sig)
	signal.Stop(notify)
	close(notify)
}

func forwardSignals(notify chan os.Signal) {
	for sig := range notify {
		signalMu.Lock()
		owner := signalOwner
		signalMu.Unlock()
		if owner != nil {
			owner.raise(sig)
		}
	}
}

// Records a caught signal and wakes the poll loop
func (dsp *Dispatcher) raise(sig os.Signal) {
	dsp.extMu.Lock()
	dsp.pendingSignals[sig]++
	dsp.extMu.Unlock()
	dsp.Wake()
}
