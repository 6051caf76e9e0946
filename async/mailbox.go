package async

// A Mailbox stores AsyncErrors and their associated callbacks
// and invokes them once the AsyncError is completed.
//
// An event loop often spawns goroutines to do blocking work (running a job,
// probing a node, appending to a log). Goroutines have no way to hand a result
// back to the loop, and the loop must not share its state with them. The
// Mailbox solves this: the goroutine completes an AsyncError, and the loop
// invokes the callback on its next ProcessMessages, from its own goroutine.
//
//	mailbox := NewMailbox()
//
//	go func(rsp *AsyncError) {
//	  rsp.SetValue(probe(ctx, "gpu-0"))
//	}(mailbox.NewAsyncError(func(err error) {
//	  // runs on the loop goroutine, safe to touch loop state
//	  observeProbe("gpu-0", err)
//	}))
//
//	for {
//	  select {
//	  case <-mailbox.Ready():
//	    mailbox.ProcessMessages()
//	  case ...:
//	  }
//	}
//
// Ready lets a loop sleep until some AsyncError completes instead of polling.
//
// A Mailbox is not a concurrent structure and should only ever be accessed
// from a single goroutine. This ensures callbacks always execute within
// the same context and only one at a time.
type Mailbox struct {
	msgs    []message
	readyCh chan struct{}
}

// The function type of the callback invoked when an AsyncError is Completed
type AsyncErrorResponseHandler func(error)

type message struct {
	Err      *AsyncError
	callback AsyncErrorResponseHandler
}

func NewMailbox() *Mailbox {
	return &Mailbox{
		msgs:    make([]message, 0),
		readyCh: make(chan struct{}, 1),
	}
}

func (bx *Mailbox) Count() int {
	return len(bx.msgs)
}

// Ready receives a value after at least one AsyncError has completed since
// the last receive. Completions are coalesced, so a single receive can
// correspond to several completed messages.
func (bx *Mailbox) Ready() <-chan struct{} {
	return bx.readyCh
}

// Creates a new AsyncError and associates the supplied callback with it.
// Once the AsyncError has been completed the callback will be invoked
// on the next execution of ProcessMessages.
func (bx *Mailbox) NewAsyncError(cb AsyncErrorResponseHandler) *AsyncError {
	msg := message{
		Err:      newAsyncError(bx.readyCh),
		callback: cb,
	}
	bx.msgs = append(bx.msgs, msg)
	return msg.Err
}

// Invokes the callback of every completed message and removes it from the
// mailbox, returning the number of callbacks invoked. Callbacks run in the
// order their AsyncErrors were created.
func (bx *Mailbox) ProcessMessages() int {
	n := len(bx.msgs)
	pending := bx.msgs[:n]
	var unCompletedMsgs []message
	completed := 0
	for _, msg := range pending {
		if ok, err := msg.Err.TryGetValue(); ok {
			completed++
			msg.callback(err)
		} else {
			unCompletedMsgs = append(unCompletedMsgs, msg)
		}
	}

	// callbacks may have created new messages while we iterated
	bx.msgs = append(unCompletedMsgs, bx.msgs[n:]...)
	return completed
}
