package async

// AsyncError is an async value that will eventually return an error.
// It is similar to a Promise/Future which returns an error.
// The value is supplied by calling SetValue, after which the AsyncError
// is considered completed and the value can be read via TryGetValue.
type AsyncError struct {
	errCh     chan error
	readyCh   chan<- struct{}
	val       error
	completed bool
}

func newAsyncError(readyCh chan<- struct{}) *AsyncError {
	return &AsyncError{
		errCh:   make(chan error, 1),
		readyCh: readyCh,
	}
}

// Sets the value for the AsyncError and marks it completed. If the owning
// Mailbox has a ready channel it is signalled without blocking.
// Calling this method more than once will panic.
func (e *AsyncError) SetValue(err error) {
	e.errCh <- err
	close(e.errCh)
	if e.readyCh != nil {
		select {
		case e.readyCh <- struct{}{}:
		default:
		}
	}
}

// Returns Completed(true) or Pending(false) and, once completed,
// the value this AsyncError was completed with.
func (e *AsyncError) TryGetValue() (bool, error) {
	if e.completed {
		return true, e.val
	}
	select {
	case err := <-e.errCh:
		e.val = err
		e.completed = true
		return true, err
	default:
		return false, nil
	}
}
