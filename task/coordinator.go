package task

// Coordinator carries the two per-iteration signals a task can raise. The
// container creates a fresh one every loop iteration and consults it after
// send and commit have run, so requesting shutdown never drops enqueued
// output.
type Coordinator struct {
	commitRequested   bool
	shutdownRequested bool
}

func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// RequestCommit asks for a commit at the end of the current iteration,
// regardless of the commit interval.
func (c *Coordinator) RequestCommit() {
	c.commitRequested = true
}

func (c *Coordinator) CommitRequested() bool {
	return c.commitRequested
}

// RequestShutdown asks the container to leave the run loop once the current
// iteration completes.
func (c *Coordinator) RequestShutdown() {
	c.shutdownRequested = true
}

func (c *Coordinator) ShutdownRequested() bool {
	return c.shutdownRequested
}
