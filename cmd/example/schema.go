package main

import (
	"github.com/clockworklabs/spacetimedb-go-sdk/internal/bsatn"
	"github.com/clockworklabs/spacetimedb-go-sdk/internal/wire"
)

// User mirrors the quickstart-chat module's `user` table: one row per
// principal that has ever connected, keyed by identity.
type User struct {
	Identity wire.Identity
	Name     string
	Online   bool
}

// Message mirrors the quickstart-chat module's `message` table: no
// primary key, so the cache fingerprints rows by their encoded bytes.
type Message struct {
	Sender wire.Identity
	Sent   int64
	Text   string
}

type userCodec struct{}

func (userCodec) DecodeRow(r *bsatn.Reader) (any, any, error) {
	idBytes, err := r.ReadFixed(32)
	if err != nil {
		return nil, nil, err
	}
	var id wire.Identity
	copy(id[:], idBytes)

	name, err := r.ReadString()
	if err != nil {
		return nil, nil, err
	}
	online, err := r.ReadBool()
	if err != nil {
		return nil, nil, err
	}
	return User{Identity: id, Name: name, Online: online}, id, nil
}

type messageCodec struct{}

func (messageCodec) DecodeRow(r *bsatn.Reader) (any, any, error) {
	senderBytes, err := r.ReadFixed(32)
	if err != nil {
		return nil, nil, err
	}
	var sender wire.Identity
	copy(sender[:], senderBytes)

	sent, err := r.ReadI64()
	if err != nil {
		return nil, nil, err
	}
	text, err := r.ReadString()
	if err != nil {
		return nil, nil, err
	}
	return Message{Sender: sender, Sent: sent, Text: text}, nil, nil
}

// decodeSendMessageArgs decodes the single string argument of the
// `send_message` reducer.
func decodeSendMessageArgs(r *bsatn.Reader) ([]any, error) {
	text, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	return []any{text}, nil
}

// decodeSetNameArgs decodes the single string argument of the
// `set_name` reducer.
func decodeSetNameArgs(r *bsatn.Reader) ([]any, error) {
	name, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	return []any{name}, nil
}

// buildSchema returns the runtime schema a code generator would emit
// for the quickstart-chat module.
func buildSchema() *wire.Schema {
	schema := wire.NewSchema()
	schema.Tables["user"] = &wire.TableRuntimeInfo{Name: "user", HasPrimary: true, Codec: userCodec{}}
	schema.Tables["message"] = &wire.TableRuntimeInfo{Name: "message", HasPrimary: false, Codec: messageCodec{}}
	schema.Reducers["send_message"] = &wire.ReducerRuntimeInfo{Name: "send_message", DecodeArgs: decodeSendMessageArgs}
	schema.Reducers["set_name"] = &wire.ReducerRuntimeInfo{Name: "set_name", DecodeArgs: decodeSetNameArgs}
	return schema
}
