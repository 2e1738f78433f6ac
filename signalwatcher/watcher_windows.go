package signalwatcher

import (
	"os"
	"os/signal"
)

// Windows only delivers os.Interrupt (Ctrl+C/Ctrl+Break), which has no
// HUP/TERM/INT distinction to preserve, so every signal maps to QUIT here.
func Watch(callback func(Signal)) {
	raw := make(chan os.Signal, 1)
	signal.Notify(raw, os.Interrupt)

	go func() {
		<-raw

		go callback(QUIT)
		Watch(callback)
	}()
}
