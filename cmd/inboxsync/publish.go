package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/inboxsync/internal/config"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/realtime"
)

func newPublishCommand() *cobra.Command {
	var inputPath string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish change records to the Kafka change stream",
		Long:  "Reads a JSON array of change records {eventType, table, new, old} and writes them to the per-table topics.",
		RunE: func(cmd *cobra.Command, args []string) error {
			payloads, err := readPayloads(cmd.InOrStdin(), inputPath)
			if err != nil {
				return err
			}
			configViper := viper.GetViper()
			publisher, err := realtime.NewKafkaPublisher(
				config.SplitList(configViper.GetStringSlice("kafka.brokers")),
				configViper.GetString("kafka.topic_prefix"),
			)
			if err != nil {
				return err
			}
			defer publisher.Close()
			if err := publisher.Publish(cmd.Context(), payloads...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %d records\n", len(payloads))
			return nil
		},
	}
	cmd.Flags().StringVar(&inputPath, "file", "", "Path to a JSON file of change records (stdin when empty)")
	return cmd
}

func readPayloads(stdin io.Reader, path string) ([]realtime.RawPayload, error) {
	reader := stdin
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer file.Close()
		reader = file
	}
	var payloads []realtime.RawPayload
	if err := json.NewDecoder(reader).Decode(&payloads); err != nil {
		return nil, fmt.Errorf("decode change records: %w", err)
	}
	if len(payloads) == 0 {
		return nil, fmt.Errorf("no change records to publish")
	}
	return payloads, nil
}
