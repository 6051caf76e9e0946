// Async provides tools for asynchronous callback processing using Goroutines
package async

// A Runner spawns goroutines to run blocking functions and associates
// callbacks with them. It builds on Mailbox so the owner of the Runner,
// typically a single event loop, gets every callback on its own goroutine.
//
//	runner := NewRunner()
//
//	var out Output
//	runner.RunAsync(
//	  func() (err error) { out, err = executor.Execute(ctx, assignment); return err },
//	  func(err error) { onComplete(jobID, out, err) })
//
//	for {
//	  select {
//	  case <-runner.Ready():
//	  case ev := <-events:
//	    handle(ev)
//	  }
//	  runner.ProcessMessages()
//	}
//
// Values written by f before it returns are visible to the callback: the
// callback only runs after the AsyncError completion has been received.
type Runner struct {
	bx *Mailbox
}

func NewRunner() Runner {
	return Runner{
		bx: NewMailbox(),
	}
}

// Number of functions started whose callbacks have not run yet.
func (r *Runner) NumRunning() int {
	return r.bx.Count()
}

// Ready receives a value after some function has completed. See Mailbox.Ready.
func (r *Runner) Ready() <-chan struct{} {
	return r.bx.Ready()
}

// RunAsync creates a go routine to run the specified function f.
// The callback, cb, is invoked once f is completed by calling ProcessMessages.
func (r *Runner) RunAsync(f func() error, cb AsyncErrorResponseHandler) {
	asyncErr := r.bx.NewAsyncError(cb)
	go func(rsp *AsyncError) {
		err := f()
		rsp.SetValue(err)
	}(asyncErr)
}

// Invokes all callbacks of completed functions and returns how many ran.
// Callbacks are run synchronously by the calling go routine.
func (r *Runner) ProcessMessages() int {
	return r.bx.ProcessMessages()
}
