//go:build js || wasip1

package signal

import "os"

const supported = false

func notify(chan os.Signal) {}

func stop(chan os.Signal) {}
