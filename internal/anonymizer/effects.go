// effects.go: deferred side effects. Irreversible cleanup (deleting the raw
// video) must not run inside the transaction that records the anonymized
// output; it is queued here and drained by the caller after commit.
package anonymizer

// Effect is a named side effect scheduled during anonymization to run only
// after the scheduling transaction has committed.
type Effect struct {
	Name string
	Run  func() error
}

// Drain runs every effect in order. A failing effect is reported but does
// not stop the remaining ones; the first error is returned.
func Drain(effects []Effect, report func(name string, err error)) error {
	var first error
	for _, effect := range effects {
		if err := effect.Run(); err != nil {
			if report != nil {
				report(effect.Name, err)
			}
			if first == nil {
				first = err
			}
		}
	}
	return first
}
