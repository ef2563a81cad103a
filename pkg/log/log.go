package log

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
)

// Debug, Info, Warn and Error print a single styled line to stderr via
// pterm. Fatal does the same and then exits the process with status 1,
// matching the CLI's "print and exit" contract for unrecoverable errors
// (configuration failures, trace read failures during ingestion).

func Debug(args ...interface{}) {
	pterm.Debug.Println(fmt.Sprint(args...))
}

func Debugf(format string, args ...interface{}) {
	pterm.Debug.Println(fmt.Sprintf(format, args...))
}

func Info(args ...interface{}) {
	pterm.Info.Println(fmt.Sprint(args...))
}

func Infof(format string, args ...interface{}) {
	pterm.Info.Println(fmt.Sprintf(format, args...))
}

func Warn(args ...interface{}) {
	pterm.Warning.Println(fmt.Sprint(args...))
}

func Warnf(format string, args ...interface{}) {
	pterm.Warning.Println(fmt.Sprintf(format, args...))
}

func Error(args ...interface{}) {
	pterm.Error.Println(fmt.Sprint(args...))
}

func Errorf(format string, args ...interface{}) {
	pterm.Error.Println(fmt.Sprintf(format, args...))
}

func Success(args ...interface{}) {
	pterm.Success.Println(fmt.Sprint(args...))
}

func Successf(format string, args ...interface{}) {
	pterm.Success.Println(fmt.Sprintf(format, args...))
}

func Fatal(args ...interface{}) {
	pterm.Error.Println(fmt.Sprint(args...))
	os.Exit(1)
}

func Fatalf(format string, args ...interface{}) {
	pterm.Error.Println(fmt.Sprintf(format, args...))
	os.Exit(1)
}
