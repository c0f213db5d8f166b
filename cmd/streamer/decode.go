package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/YaganovValera/openapi-streamer/common/logger"
	"github.com/YaganovValera/openapi-streamer/internal/codec"
)

type decodedLine struct {
	SequenceID  uint64          `json:"sequence_id,string"`
	ReferenceID string          `json:"reference_id"`
	Format      codec.Format    `json:"format"`
	Payload     json.RawMessage `json:"payload"`
}

// newDecodeCmd печатает сообщения сохранённого кадра, по одному JSON на строку.
func newDecodeCmd() *cobra.Command {
	var (
		asHex   bool
		schemas []string
		binds   []string
	)
	cmd := &cobra.Command{
		Use:   "decode <file>",
		Short: "Decode a captured binary frame",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if asHex {
				raw, err = hex.DecodeString(strings.Join(strings.Fields(string(raw)), ""))
				if err != nil {
					return fmt.Errorf("decode hex: %w", err)
				}
			}

			errOut := cmd.ErrOrStderr()
			dec := codec.NewDecoder(codec.NewProtoSchemas(), logger.Nop(), func(e *codec.DecodeError) {
				fmt.Fprintf(errOut, "dropped: %v\n", e)
			})
			for _, s := range schemas {
				name, path, ok := strings.Cut(s, "=")
				if !ok {
					return fmt.Errorf("--schema expects name=file, got %q", s)
				}
				blob, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				if err := dec.RegisterSchema(name, blob); err != nil {
					return fmt.Errorf("register schema %q: %w", name, err)
				}
			}
			for _, b := range binds {
				ref, name, ok := strings.Cut(b, "=")
				if !ok {
					return fmt.Errorf("--bind expects reference_id=schema, got %q", b)
				}
				dec.Bind(ref, name)
			}
			return printMessages(cmd.OutOrStdout(), dec.DecodeFrame(raw))
		},
	}
	cmd.Flags().BoolVar(&asHex, "hex", false, "file contains hex text instead of raw bytes")
	cmd.Flags().StringArrayVar(&schemas, "schema", nil, "register a FileDescriptorSet: name=file")
	cmd.Flags().StringArrayVar(&binds, "bind", nil, "decode reference id with schema: reference_id=name")
	return cmd
}

func printMessages(w io.Writer, msgs []codec.Message) error {
	enc := json.NewEncoder(w)
	for _, m := range msgs {
		if err := enc.Encode(decodedLine{
			SequenceID:  m.SequenceID,
			ReferenceID: m.ReferenceID,
			Format:      m.Format,
			Payload:     m.Payload,
		}); err != nil {
			return err
		}
	}
	return nil
}
