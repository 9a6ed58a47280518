// Command portaldb is the command-line front end of the unified data access
// layer.
package main

import (
	"os"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
