package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quillstone/chatrecall/internal/cli"
	"github.com/quillstone/chatrecall/internal/cli/admin"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chatrecalld",
		Short: "Chatrecall daemon",
		Long:  "Chatrecall daemon: ingest API, chunking/embedding pipeline worker, and question answering over group chat history",
	}

	cli.AddHelpJSONFlag(rootCmd)
	rootCmd.AddCommand(admin.ServeCmd())
	rootCmd.AddCommand(admin.BackfillCmd())

	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	cli.CheckHelpJSON(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
