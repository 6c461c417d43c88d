package imaging

// Observer receives progress from a running session. Both methods are
// called on the engine goroutine once per chunk, and once more when the
// session ends with percent 0.
type Observer interface {
	OnProgress(percent int)
	OnLogMessage(msg string)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Progress func(percent int)
	Log      func(msg string)
}

func (o ObserverFuncs) OnProgress(percent int) {
	if o.Progress != nil {
		o.Progress(percent)
	}
}

func (o ObserverFuncs) OnLogMessage(msg string) {
	if o.Log != nil {
		o.Log(msg)
	}
}

type nopObserver struct{}

func (nopObserver) OnProgress(int)      {}
func (nopObserver) OnLogMessage(string) {}
