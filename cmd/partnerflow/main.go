package main

import (
	"fmt"
	"os"

	"github.com/mikedrai/gep-partner-system-sub001/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "partnerflow",
	Short: "Approval workflow orchestrator for partner assignments",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
