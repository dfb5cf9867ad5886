package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	cmd := &cobra.Command{
		Use:   "rtsync",
		Short: "rtsync keeps query caches in sync with database change feeds",
	}
	cmd.AddCommand(tailCmd())
	if err := cmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
