package pdfqa

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pdfqa/pdfqa/pkg/toolserver"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Print the tool catalogue as served by tools/list",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := json.MarshalIndent(map[string]any{"tools": toolserver.Catalogue()}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}
