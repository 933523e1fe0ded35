package commands

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/teranos/leadpulse/errors"
	"github.com/teranos/leadpulse/pulse/report"
)

// IsWebRequest reports whether the process was started by a web server
// (CGI environment present).
func IsWebRequest() bool {
	return os.Getenv("GATEWAY_INTERFACE") != "" || os.Getenv("REQUEST_METHOD") != ""
}

// PrintFatal writes a fatal error as a timestamped ERROR line followed by
// its details and hints. At -vv a systemic failure also gets its full trace.
func PrintFatal(w io.Writer, err error) {
	printFatal(w, err, time.Now(), verbosity >= 2)
}

func printFatal(w io.Writer, err error, now time.Time, trace bool) {
	ts := now.Format(report.TimestampFormat)
	fmt.Fprintf(w, "[%s] ERROR %s\n", ts, err)
	for _, d := range errors.GetAllDetails(err) {
		fmt.Fprintf(w, "[%s]   detail: %s\n", ts, d)
	}
	for _, h := range errors.GetAllHints(err) {
		fmt.Fprintf(w, "[%s]   hint: %s\n", ts, h)
	}
	if trace && errors.IsSystemic(err) {
		fmt.Fprintf(w, "[%s]   trace:\n%+v\n", ts, err)
	}
}
