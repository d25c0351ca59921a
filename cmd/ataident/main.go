// Command ataident decodes a raw 512-byte ATA IDENTIFY dump, the block an
// AHCI port reads during device detection. Useful when poking at a disk
// image or a captured DMA buffer.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/emberos/sata/ata"
)

func main() {
	cmd := &cobra.Command{
		Use:   "ataident <dump-file>",
		Short: "decode an ATA IDENTIFY response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			id, err := ata.ParseIdentify(b)
			if err != nil {
				return err
			}

			sectors := id.Sectors()
			fmt.Printf("model:    %s\n", id.ModelString())
			fmt.Printf("serial:   %s\n", id.SerialString())
			fmt.Printf("firmware: %s\n", id.FirmwareString())
			fmt.Printf("sectors:  %d (%d MiB)\n", sectors, sectors*512>>20)
			fmt.Printf("lba48:    %v\n", id.Features86&ata.Features86LBA48 != 0)
			fmt.Printf("ncq:      %v", id.SATACaps&ata.SATACapNCQ != 0)
			if id.SATACaps&ata.SATACapNCQ != 0 {
				fmt.Printf(" (queue depth %d)", (id.QueueDepth&ata.QueueDepthMask)+1)
			}
			fmt.Println()
			return nil
		},
	}
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
