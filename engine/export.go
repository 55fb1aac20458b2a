package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/uengine-oss/process-gpt-execution/codec"
	"github.com/uengine-oss/process-gpt-execution/deadletter"
)

// exportPageSize bounds how many entries one export query fetches.
const exportPageSize = 500

// ExportDeadLetters streams every dead letter entry to w as
// length-prefixed records encoded with the named codec ("json" or
// "msgpack"; empty defaults to JSON). Each record is a 4-byte big-endian
// length followed by the encoded entry, so consumers can split the
// stream without parsing the payload format.
func (eng *Engine) ExportDeadLetters(ctx context.Context, w io.Writer, codecName string) (int, error) {
	c := codec.Get(codecName)
	store := eng.dlqService.DeadLetterStore()

	exported := 0
	offset := 0
	for {
		entries, err := store.ListDeadLetters(ctx, deadletter.ListOpts{
			Limit:  exportPageSize,
			Offset: offset,
		})
		if err != nil {
			return exported, fmt.Errorf("execution: export dead letters: %w", err)
		}
		if len(entries) == 0 {
			return exported, nil
		}
		for _, entry := range entries {
			data, encErr := c.Encode(entry)
			if encErr != nil {
				return exported, fmt.Errorf("execution: encode dead letter %s: %w", entry.ID, encErr)
			}
			var prefix [4]byte
			binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
			if _, wErr := w.Write(prefix[:]); wErr != nil {
				return exported, fmt.Errorf("execution: write dead letter export: %w", wErr)
			}
			if _, wErr := w.Write(data); wErr != nil {
				return exported, fmt.Errorf("execution: write dead letter export: %w", wErr)
			}
			exported++
		}
		offset += len(entries)
	}
}
