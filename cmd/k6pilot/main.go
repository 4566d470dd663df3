// k6pilot generates a k6 load test for a pull request, validates it in the
// k6 sandbox and runs it.
package main

import (
	"errors"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	root := newRootCmd(os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		code := 1
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
			if ee.err == nil {
				os.Exit(code)
			}
		}
		fmt.Fprintln(os.Stderr, red("error:"), err)
		os.Exit(code)
	}
}
