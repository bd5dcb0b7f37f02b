package broker

// Recorder receives broker lifecycle events for metrics. Implementations
// must be safe for concurrent use and must not block.
//
// Only events are reported here. Levels such as the number of live
// connections or channels are read from Stats when metrics are collected,
// so they always match the table.
type Recorder interface {
	ConnectionOpened()
	ConnectionClosed(reason string)
	ConnectionReaped()
	MessageSent()
	MessageReceived(kind string)
}

type nopRecorder struct{}

func (nopRecorder) ConnectionOpened() {}
func (nopRecorder) ConnectionClosed(string) {}
func (nopRecorder) ConnectionReaped() {}
func (nopRecorder) MessageSent() {}
func (nopRecorder) MessageReceived(string) {}
