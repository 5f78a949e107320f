package server

// Ledger records the lifecycle of sessions outside the process.
// Implementations must not block: the command processor calls them inline.
type Ledger interface {
	SessionOpened(sessionID uint64, transport, remoteAddr string)
	SessionJoined(sessionID uint64, displayName string)
	SessionClosed(sessionID uint64, reason string)

	// Close flushes pending records
	Close() error
}

type nopLedger struct{}

func (nopLedger) SessionOpened(uint64, string, string) {}
func (nopLedger) SessionJoined(uint64, string)         {}
func (nopLedger) SessionClosed(uint64, string)         {}
func (nopLedger) Close() error                         { return nil }
