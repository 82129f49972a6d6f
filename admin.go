package didvcr

import "fmt"

// adminRole is the single-admin capability carried by each engine instance.
// It is plain state; callers must hold the instance's state lock.
type adminRole struct {
	admin  string
	paused bool
}

func (a *adminRole) requireAdmin(caller string) error {
	if caller != a.admin {
		return fmt.Errorf("%w: caller %q is not the administrator", ErrUnauthorized, caller)
	}
	return nil
}

func (a *adminRole) checkNotPaused(what string) error {
	if a.paused {
		return fmt.Errorf("%w: %s", ErrPaused, what)
	}
	return nil
}

func (a *adminRole) pause(caller string) error {
	if err := a.requireAdmin(caller); err != nil {
		return err
	}
	if a.paused {
		return fmt.Errorf("%w: already paused", ErrInvalidState)
	}
	a.paused = true
	return nil
}

func (a *adminRole) unpause(caller string) error {
	if err := a.requireAdmin(caller); err != nil {
		return err
	}
	if !a.paused {
		return fmt.Errorf("%w: not paused", ErrInvalidState)
	}
	a.paused = false
	return nil
}

func (a *adminRole) transferAdmin(newAdmin, caller string) error {
	if err := a.requireAdmin(caller); err != nil {
		return err
	}
	if newAdmin == "" {
		return fmt.Errorf("%w: empty administrator identity", ErrInvalidArgument)
	}
	a.admin = newAdmin
	return nil
}
