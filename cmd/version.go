package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version defines the application version (defined at compile time).
var Version = ""

type versionInfo struct {
	Version string `json:"version"`
	Go      string `json:"go"`
}

func getVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of the feed-provider binary",
		RunE: func(cmd *cobra.Command, args []string) error {
			bz, err := json.Marshal(versionInfo{
				Version: Version,
				Go:      fmt.Sprintf("%s/%s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
			})
			if err != nil {
				return err
			}

			fmt.Println(string(bz))
			return nil
		},
	}
}
