// Package errors formats aggregated errors for log lines.
package errors

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

func formatErrors(es []error) string {
	if len(es) == 1 {
		return es[0].Error()
	}

	msgs := make([]string, len(es))
	for i, err := range es {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d errors: %s", len(es), strings.Join(msgs, "; "))
}

// FormatErrorOrNil returns err with single line formatting, or nil when err
// holds no errors.
func FormatErrorOrNil(err *multierror.Error) error {
	if err != nil {
		err.ErrorFormat = formatErrors
	}
	return err.ErrorOrNil()
}
