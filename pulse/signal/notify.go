//go:build !js && !wasip1

package signal

import (
	"os"
	ossignal "os/signal"
	"syscall"
)

const supported = true

func notify(ch chan os.Signal) {
	ossignal.Notify(ch, os.Interrupt, syscall.SIGTERM)
}

func stop(ch chan os.Signal) {
	ossignal.Stop(ch)
}
