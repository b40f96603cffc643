package smtp

import (
	"bufio"
	"fmt"

	"github.com/vellum-mail/vellum/internal/errs"
)

// writeReply renders a (possibly multi-line) SMTP reply: "-" continues,
// the last line uses " " before the text, per RFC 5321 §4.2.1.
func writeReply(w *bufio.Writer, code int, lines ...string) error {
	if len(lines) == 0 {
		lines = []string{""}
	}
	for i, line := range lines {
		sep := byte(' ')
		if i < len(lines)-1 {
			sep = '-'
		}
		if _, err := fmt.Fprintf(w, "%d%c%s\r\n", code, sep, line); err != nil {
			return err
		}
	}
	return w.Flush()
}

// writeErr renders a taxonomy error as a single-line reply.
func writeErr(w *bufio.Writer, e *errs.SMTPError) error {
	return writeReply(w, e.Code, e.Line())
}
