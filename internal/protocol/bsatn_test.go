package protocol

import (
	"encoding/binary"
	"errors"
	"reflect"
	"runtime"
	"testing"
)

func binaryCodec(t *testing.T) Codec {
	t.Helper()
	codec, err := New(BinaryEncoded)
	if err != nil {
		t.Fatalf("New(BinaryEncoded) failed: %v", err)
	}
	return codec
}

func TestBSATNServerRoundTrip(t *testing.T) {
	codec := binaryCodec(t)

	tests := []struct {
		name string
		msg  ServerMessage
	}{
		{
			name: "identity token",
			msg:  IdentityToken{Identity: "id-1", Token: "tok-1", ConnectionID: "conn-1"},
		},
		{
			name: "initial subscription",
			msg: InitialSubscription{
				RequestID: 3,
				Tables: []TableUpdate{{
					TableName: "entities",
					Updates: []QueryUpdate{{
						Deletes: []string{},
						Inserts: []string{`{"id":1}`, `{"id":2}`},
					}},
				}},
			},
		},
		{
			name: "transaction update",
			msg: TransactionUpdate{
				Tables: []TableUpdate{{
					TableName: "players",
					Updates: []QueryUpdate{
						{Deletes: []string{`{"id":9}`}, Inserts: []string{}},
						{Deletes: []string{}, Inserts: []string{`{"id":9}`}},
					},
				}},
			},
		},
		{
			name: "call result ok",
			msg:  CallResult{RequestID: 11},
		},
		{
			name: "call result failed",
			msg:  CallResult{RequestID: 12, Err: "out of energy"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := EncodeServer(tt.msg)
			if err != nil {
				t.Fatalf("EncodeServer failed: %v", err)
			}

			got, err := codec.DecodeServer(Uncompressed(body))
			if err != nil {
				t.Fatalf("DecodeServer failed: %v", err)
			}
			assertServerMessageEqual(t, got, tt.msg)

			compressed, err := Compress(body)
			if err != nil {
				t.Fatalf("Compress failed: %v", err)
			}
			got, err = codec.DecodeServer(compressed)
			if err != nil {
				t.Fatalf("DecodeServer(compressed) failed: %v", err)
			}
			assertServerMessageEqual(t, got, tt.msg)
		})
	}
}

// assertServerMessageEqual compares messages ignoring nil-vs-empty slice
// differences introduced by decode.
func assertServerMessageEqual(t *testing.T, got, want ServerMessage) {
	t.Helper()
	if reflect.TypeOf(got) != reflect.TypeOf(want) {
		t.Fatalf("message type = %T, want %T", got, want)
	}
	normalize := func(m ServerMessage) ServerMessage {
		switch v := m.(type) {
		case InitialSubscription:
			v.Tables = normalizeTables(v.Tables)
			return v
		case TransactionUpdate:
			v.Tables = normalizeTables(v.Tables)
			return v
		}
		return m
	}
	if !reflect.DeepEqual(normalize(got), normalize(want)) {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, want)
	}
}

func normalizeTables(tables []TableUpdate) []TableUpdate {
	for i := range tables {
		for j := range tables[i].Updates {
			if tables[i].Updates[j].Deletes == nil {
				tables[i].Updates[j].Deletes = []string{}
			}
			if tables[i].Updates[j].Inserts == nil {
				tables[i].Updates[j].Inserts = []string{}
			}
		}
	}
	return tables
}

func TestBSATNTruncatedPayload(t *testing.T) {
	codec := binaryCodec(t)

	body, err := EncodeServer(IdentityToken{Identity: "id", Token: "tok"})
	if err != nil {
		t.Fatalf("EncodeServer failed: %v", err)
	}
	payload := Uncompressed(body)

	// Every strict prefix must fail cleanly, never panic.
	for n := 1; n < len(payload); n++ {
		if _, err := codec.DecodeServer(payload[:n]); err == nil {
			t.Errorf("DecodeServer accepted truncated payload of %d bytes", n)
		}
	}
}

func TestBSATNUnknownTag(t *testing.T) {
	codec := binaryCodec(t)
	if _, err := codec.DecodeServer(Uncompressed([]byte{0xfe})); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("error = %v, want ErrUnknownMessage", err)
	}
}

func TestDecompressRejectsBrotli(t *testing.T) {
	codec := binaryCodec(t)
	if _, err := codec.DecodeServer([]byte{compressionBrotli, 0x00}); !errors.Is(err, ErrUnsupportedCompression) {
		t.Errorf("error = %v, want ErrUnsupportedCompression", err)
	}
}

func TestDecompressRejectsEmptyPayload(t *testing.T) {
	codec := binaryCodec(t)
	if _, err := codec.DecodeServer(nil); !errors.Is(err, ErrShortPayload) {
		t.Errorf("error = %v, want ErrShortPayload", err)
	}
}

func TestBSATNHostileCountRejected(t *testing.T) {
	codec := binaryCodec(t)

	// A tiny InitialSubscription body claiming fifty million tables. The
	// claimed count cannot fit in the remaining bytes and must be rejected
	// before anything is sized by it.
	body := []byte{tagInitialSubscription}
	body = binary.LittleEndian.AppendUint32(body, 7)
	body = binary.LittleEndian.AppendUint32(body, 50_000_000)
	payload := Uncompressed(body)

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	_, err := codec.DecodeServer(payload)
	runtime.ReadMemStats(&after)

	if !errors.Is(err, ErrShortPayload) {
		t.Fatalf("error = %v, want ErrShortPayload", err)
	}
	if delta := after.TotalAlloc - before.TotalAlloc; delta > 1<<20 {
		t.Errorf("decode allocated %d bytes for an impossible element count", delta)
	}
}
