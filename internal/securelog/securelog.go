// Package securelog logs failures without reproducing user data. Only the
// caller location and the error's type chain reach the log, never message
// text that might embed identities, contact names or call payloads.
package securelog

import (
	"errors"
	"fmt"
	"log"
	"runtime"
	"strings"
)

// Error logs err with the caller location and error type chain.
func Error(context string, err error) {
	emit("error", context, err)
}

// Warn logs err for conditions the caller recovers from.
func Warn(context string, err error) {
	emit("warn", context, err)
}

func emit(level, context string, err error) {
	if err == nil {
		return
	}
	loc := callerLocation(3)
	types := strings.Join(errorTypes(err), "->")
	if context == "" {
		log.Printf("%s at %s types=%s", level, loc, types)
		return
	}
	log.Printf("%s at %s context=%s types=%s", level, loc, context, types)
}

func callerLocation(skip int) string {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	name := "unknown"
	if fn != nil {
		name = fn.Name()
	}
	return fmt.Sprintf("%s:%d %s", file, line, name)
}

func errorTypes(err error) []string {
	types := []string{}
	seen := map[string]struct{}{}
	for err != nil {
		name := fmt.Sprintf("%T", err)
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			types = append(types, name)
		}
		err = errors.Unwrap(err)
	}
	return types
}
