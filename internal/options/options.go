// Package options implements the functional option pattern used by the
// analysis and device configurations.
package options

// Option configures a target of type T. Options are applied in order and the
// first failing option stops the chain.
type Option[T any] interface {
	apply(T) error
}

// Func adapts a function to Option.
type Func[T any] struct {
	fn func(T) error
}

func (f *Func[T]) apply(target T) error {
	return f.fn(target)
}

// New creates an option from a function that may reject its input.
func New[T any](fn func(T) error) *Func[T] {
	return &Func[T]{fn: fn}
}

// NoError creates an option from a setter that cannot fail.
func NoError[T any](fn func(T)) *Func[T] {
	return &Func[T]{
		fn: func(target T) error {
			fn(target)
			return nil
		},
	}
}

// Apply applies opts to target in order.
func Apply[T any](target T, opts ...Option[T]) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(target); err != nil {
			return err
		}
	}

	return nil
}

// ApplyValidated applies opts and then runs validate on the resulting target.
// validate may be nil.
func ApplyValidated[T any](target T, validate func(T) error, opts ...Option[T]) error {
	if err := Apply(target, opts...); err != nil {
		return err
	}
	if validate == nil {
		return nil
	}

	return validate(target)
}
