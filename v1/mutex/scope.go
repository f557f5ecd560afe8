package mutex

import "context"

// Scope runs fn while holding m and unlocks on every exit path, panics
// included. An error from fn takes precedence over an error from Unlock.
func (m *Mutex) Scope(ctx context.Context, fn func(context.Context) error) (err error) {
	if err := m.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		r := recover()
		uerr := m.Unlock(context.WithoutCancel(ctx))
		if r != nil {
			if uerr != nil {
				m.logger.Error(uerr, "unlock after panic failed")
			}
			panic(r)
		}
		if err == nil {
			err = uerr
		} else if uerr != nil {
			m.logger.Error(uerr, "unlock after failed action")
		}
	}()
	return fn(ctx)
}

// Do is Scope for actions that produce a value.
func Do[T any](ctx context.Context, m *Mutex, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := m.Scope(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}
