/*
Package cmdutil provides functionality shared by the command line tools.
*/
package cmdutil

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

// PrintError writes err to stderr.
func PrintError(err error) {
	FprintError(os.Stderr, err)
}

// FprintError writes err to w with a highlighted prefix.
func FprintError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s %s\n", color.HiRedString("Error:"), err.Error())
}
