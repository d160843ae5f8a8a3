package poll

// SetBeforeCallback installs fn to run on the poll goroutine right before
// every callback. It must be called before Start.
func SetBeforeCallback(c *Controller, fn func()) {
	c.beforeCallback = fn
}
