package rollback

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"aegisflux/agents/mitigation-agent/internal/types"
)

// codec holds checkpoint snapshots zstd-compressed. EncodeAll and DecodeAll
// are safe for concurrent use.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newCodec() (*codec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &codec{encoder: encoder, decoder: decoder}, nil
}

func (c *codec) encode(snap types.Snapshot) ([]byte, error) {
	if snap == nil {
		snap = types.Snapshot{}
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return c.encoder.EncodeAll(raw, make([]byte, 0, len(raw))), nil
}

func (c *codec) decode(data []byte) (types.Snapshot, error) {
	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress snapshot: %w", err)
	}
	var snap types.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snap, nil
}

func (c *codec) close() {
	c.encoder.Close()
	c.decoder.Close()
}
