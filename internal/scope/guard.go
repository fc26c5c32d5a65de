// Package scope provides a reentrant, composable resource scope built from a
// pair of enter/exit callbacks.
package scope

// Guard runs its enter callback on the outermost Enter and its exit callback
// on the matching outermost Exit. Lazy arms a one-shot suppression: the next
// Enter increments the nesting depth without running the enter callback, so
// cleanup still happens at that outer level. Used to avoid re-running a
// repository's mount hook when a task operation chains inside an enclosing
// scope that already entered it.
type Guard struct {
	enter func() error
	exit  func(failed bool) error

	depth   int
	lazy    bool
	entered bool
}

// New creates a Guard. Either callback may be nil.
func New(enter func() error, exit func(failed bool) error) *Guard {
	return &Guard{enter: enter, exit: exit}
}

// Lazy arms one-shot suppression of the next Enter's callback and returns
// the guard for chaining.
func (g *Guard) Lazy() *Guard {
	g.lazy = true
	return g
}

// Enter opens one nesting level. The enter callback runs only when this is
// the outermost level and no Lazy suppression is armed; if the callback
// fails the level is not opened.
func (g *Guard) Enter() error {
	if g.lazy {
		// Only actually enter at the next invocation. The depth still
		// increments so that cleanup occurs at this outer level.
		g.lazy = false
	} else if !g.entered {
		if g.enter != nil {
			if err := g.enter(); err != nil {
				return err
			}
		}
		g.entered = true
	}
	g.depth++
	return nil
}

// Exit closes one nesting level. The exit callback fires only when the
// outermost level unwinds; failed tells it whether the guarded body failed,
// so cleanup logic can branch on outcome. Callers must invoke Exit on every
// path out of the guarded region, normal or not.
func (g *Guard) Exit(failed bool) error {
	if g.depth == 0 {
		panic("scope: Exit without matching Enter")
	}
	g.depth--
	if g.entered && g.depth == 0 {
		g.entered = false
		if g.exit != nil {
			return g.exit(failed)
		}
	}
	return nil
}

// Depth returns the current nesting depth.
func (g *Guard) Depth() int {
	return g.depth
}
