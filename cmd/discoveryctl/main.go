package main

import (
	"log"

	"github.com/spf13/cobra"

	discoverycli "github.com/eskka-go/discovery/pkg/cli"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "discoveryctl",
		Short:         "eskka discovery node management CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	discoverycli.AddAll(root)
	return root
}
