package nn

// Trace observes intermediate activations during a forward pass. Model code
// reports the input of each interesting projection under its dotted module
// name; a nil Trace disables observation.
type Trace interface {
	Observe(name string, t *Tensor)
}
