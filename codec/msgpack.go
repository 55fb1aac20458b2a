package codec

import "github.com/vmihailenco/msgpack/v5"

// Msgpack encodes payloads as MessagePack.
type Msgpack struct{}

func (c *Msgpack) Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (c *Msgpack) Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func (c *Msgpack) Name() string { return NameMsgpack }
