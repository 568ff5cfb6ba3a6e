package protocol

import (
	"encoding/json"
	"fmt"
)

// jsonCodec implements the v1.json.spacetimedb wire format. Every payload
// is a single JSON document sent as a text frame.
type jsonCodec struct{}

func (c *jsonCodec) Mode() Mode           { return TextEncoded }
func (c *jsonCodec) Subprotocol() string  { return SubprotocolJSON }
func (c *jsonCodec) FrameKind() FrameKind { return FrameText }

func (c *jsonCodec) ValidateConsistency() error { return validateConsistency(c) }

// Wire envelopes. Exactly one field is set per message; the field name is
// the wire-level message kind.

type clientEnvelope struct {
	CallReducer *callReducerWire `json:"CallReducer,omitempty"`
	Subscribe   *subscribeWire   `json:"Subscribe,omitempty"`
}

type callReducerWire struct {
	Reducer   string `json:"reducer"`
	Args      string `json:"args"`
	RequestID uint32 `json:"request_id"`
}

type subscribeWire struct {
	QueryStrings []string `json:"query_strings"`
	RequestID    uint32   `json:"request_id"`
}

type serverEnvelope struct {
	IdentityToken       *identityTokenWire       `json:"IdentityToken,omitempty"`
	InitialSubscription *initialSubscriptionWire `json:"InitialSubscription,omitempty"`
	TransactionUpdate   *transactionUpdateWire   `json:"TransactionUpdate,omitempty"`
	CallResult          *callResultWire          `json:"CallResult,omitempty"`
}

type identityTokenWire struct {
	Identity     string `json:"identity"`
	Token        string `json:"token"`
	ConnectionID string `json:"connection_id,omitempty"`
}

type initialSubscriptionWire struct {
	RequestID uint32            `json:"request_id"`
	Tables    []tableUpdateWire `json:"tables"`
}

type transactionUpdateWire struct {
	Tables []tableUpdateWire `json:"tables"`
}

type callResultWire struct {
	RequestID uint32 `json:"request_id"`
	Error     string `json:"error,omitempty"`
}

type tableUpdateWire struct {
	TableName string            `json:"table_name"`
	Updates   []queryUpdateWire `json:"updates"`
}

type queryUpdateWire struct {
	Deletes []string `json:"deletes"`
	Inserts []string `json:"inserts"`
}

// EncodeClient serializes an outbound message as a JSON text payload.
func (c *jsonCodec) EncodeClient(msg ClientMessage) ([]byte, error) {
	var env clientEnvelope
	switch m := msg.(type) {
	case CallReducer:
		env.CallReducer = &callReducerWire{
			Reducer:   m.Reducer,
			Args:      m.Args,
			RequestID: m.RequestID,
		}
	case Subscribe:
		env.Subscribe = &subscribeWire{
			QueryStrings: m.QueryStrings,
			RequestID:    m.RequestID,
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
	return json.Marshal(env)
}

// DecodeServer parses an inbound JSON payload into its message variant.
func (c *jsonCodec) DecodeServer(payload []byte) (ServerMessage, error) {
	var env serverEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode server message: %w", err)
	}

	switch {
	case env.IdentityToken != nil:
		return IdentityToken{
			Identity:     env.IdentityToken.Identity,
			Token:        env.IdentityToken.Token,
			ConnectionID: env.IdentityToken.ConnectionID,
		}, nil

	case env.InitialSubscription != nil:
		return InitialSubscription{
			RequestID: env.InitialSubscription.RequestID,
			Tables:    tablesFromWire(env.InitialSubscription.Tables),
		}, nil

	case env.TransactionUpdate != nil:
		return TransactionUpdate{
			Tables: tablesFromWire(env.TransactionUpdate.Tables),
		}, nil

	case env.CallResult != nil:
		return CallResult{
			RequestID: env.CallResult.RequestID,
			Err:       env.CallResult.Error,
		}, nil
	}

	return nil, ErrUnknownMessage
}

func tablesFromWire(wire []tableUpdateWire) []TableUpdate {
	tables := make([]TableUpdate, 0, len(wire))
	for _, t := range wire {
		updates := make([]QueryUpdate, 0, len(t.Updates))
		for _, u := range t.Updates {
			updates = append(updates, QueryUpdate{
				Deletes: u.Deletes,
				Inserts: u.Inserts,
			})
		}
		tables = append(tables, TableUpdate{
			TableName: t.TableName,
			Updates:   updates,
		})
	}
	return tables
}
