package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/tvarr-fleet/internal/models"
)

var detectPretty bool

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Detect this host's worker capabilities",
	Long: `Detect this host's worker capabilities (CPU count, memory) and print
them as JSON, in the same shape sent to the master at registration time.`,
	RunE: runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)
	detectCmd.Flags().BoolVar(&detectPretty, "pretty", false, "pretty-print JSON output")
}

func runDetect(cmd *cobra.Command, args []string) error {
	caps := models.Capabilities{CPUCount: runtime.NumCPU()}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		caps.MemoryTotal = int64(vm.Total)
	}

	var output []byte
	var err error
	if detectPretty {
		output, err = json.MarshalIndent(caps, "", "  ")
	} else {
		output, err = json.Marshal(caps)
	}
	if err != nil {
		return fmt.Errorf("marshaling capabilities: %w", err)
	}

	fmt.Println(string(output))
	return nil
}
