package audio

// Drain reads from ch until it is closed, discarding every value. Stages use
// it after cancelling a provider call so the provider's sender goroutine can
// finish and close its channel.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
