package finetune

import (
	"bytes"
	"encoding/json"
	"fmt"

	"twinloop/internal/errs"
	"twinloop/internal/store"
)

// ChatTurn is one message in a conversational training example.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PairRecord is the chat-format training example stored as pair content and
// emitted one-per-line in the export JSONL.
type PairRecord struct {
	Messages []ChatTurn `json:"messages"`
}

// BuildPairContent serializes a prompt/response exchange into the stored
// pair content format.
func BuildPairContent(prompt, response string) (string, error) {
	if prompt == "" || response == "" {
		return "", errs.New(errs.Validation, "prompt and response are required")
	}
	record := PairRecord{
		Messages: []ChatTurn{
			{Role: "user", Content: prompt},
			{Role: "assistant", Content: response},
		},
	}
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to marshal pair: %w", err)
	}
	return string(data), nil
}

// EncodeJSONL renders training pairs as newline-delimited JSON for upload.
// Every pair content must be a well-formed chat record; a malformed pair
// aborts the export rather than shipping a corrupt dataset.
func EncodeJSONL(pairs []store.TrainingPair) ([]byte, error) {
	if len(pairs) == 0 {
		return nil, errs.New(errs.Validation, "no pairs to encode")
	}

	var buf bytes.Buffer
	for _, pair := range pairs {
		var record PairRecord
		if err := json.Unmarshal([]byte(pair.Content), &record); err != nil {
			return nil, errs.Wrapf(err, errs.Consistency, "pair %s has malformed content", pair.ID)
		}
		if len(record.Messages) == 0 {
			return nil, errs.Newf(errs.Consistency, "pair %s has no messages", pair.ID)
		}
		line, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pair %s: %w", pair.ID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
